package monitor

import (
	"context"
	"fmt"
	"time"

	"ambient/internal/logging"
)

// CreateTestIssue opens an issue that ForceCheck will recognize.
func (c *Client) CreateTestIssue(ctx context.Context, note string) (*Issue, error) {
	now := time.Now()
	req := CreateIssueRequest{
		Title: fmt.Sprintf("%s Ambient agent check %s", TestIssuePrefix, now.Format("2006-01-02 15:04:05")),
		Body: fmt.Sprintf("Automated end-to-end check of the ambient agent.\n\n"+
			"- Created: %s\n- Note: %s\n\nThis issue is closed automatically when the check completes.",
			now.Format(time.RFC3339), note),
		Labels: []string{TestIssueLabel},
	}
	issue, err := c.CreateIssue(ctx, req)
	if err != nil {
		return nil, err
	}
	logging.Monitor("created test issue #%d in %s", issue.Number, c.Repository())
	return issue, nil
}

// CloseTestIssue leaves a closing comment and closes the issue.
func (c *Client) CloseTestIssue(ctx context.Context, number int, comment string) error {
	if comment == "" {
		comment = "Ambient agent check completed. Closing."
	}
	if err := c.CommentIssue(ctx, number, comment); err != nil {
		return err
	}
	if err := c.CloseIssue(ctx, number); err != nil {
		return err
	}
	logging.Monitor("closed test issue #%d", number)
	return nil
}
