package lib

import (
	"context"
	"fmt"

	"github.com/slok/printlink/internal/app/approve"
)

// Approve approves the patch of a succeeded analysis task. A second decision
// returns [ErrAlreadyDecided].
func (c *Client) Approve(ctx context.Context, taskID string) (*Approval, error) {
	return c.decide(ctx, approve.Request{TaskID: taskID})
}

// Reject rejects the patch of a succeeded analysis task. A rejected patch can
// never be sent.
func (c *Client) Reject(ctx context.Context, taskID string) (*Approval, error) {
	return c.decide(ctx, approve.Request{TaskID: taskID, Reject: true})
}

func (c *Client) decide(ctx context.Context, req approve.Request) (*Approval, error) {
	svc, err := approve.NewService(approve.ServiceConfig{Approver: c.approvals, Logger: c.logger})
	if err != nil {
		return nil, fmt.Errorf("could not create service: %w", err)
	}

	a, err := svc.Run(ctx, req)
	if err != nil {
		return nil, mapError(err)
	}

	result := fromInternalApproval(*a)
	return &result, nil
}

// DownloadPatch returns the patched G-code of an approved analysis task.
// Returns [ErrNotApproved] otherwise.
func (c *Client) DownloadPatch(ctx context.Context, taskID string) ([]byte, error) {
	data, err := c.approvals.Download(ctx, taskID)
	if err != nil {
		return nil, mapError(err)
	}

	return data, nil
}
