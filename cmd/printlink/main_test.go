package main

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/slok/printlink/internal/model"
)

func TestExitCode(t *testing.T) {
	tests := map[string]struct {
		err     error
		expCode int
	}{
		"No error should exit cleanly.": {
			expCode: 0,
		},
		"An invalid input should be a usage error.": {
			err:     fmt.Errorf("\"slice\" command failed: %w", model.ErrNotValid),
			expCode: 2,
		},
		"A missing task should have its own code.": {
			err:     fmt.Errorf("could not get task: %w", model.ErrNotFound),
			expCode: 3,
		},
		"Sending an unapproved patch should be refused.": {
			err:     fmt.Errorf("\"send\" command failed: %w", model.ErrNotApproved),
			expCode: 4,
		},
		"Deciding twice should be refused.": {
			err:     fmt.Errorf("\"reject\" command failed: %w", model.ErrAlreadyDecided),
			expCode: 4,
		},
		"An unreachable device should have its own code.": {
			err:     fmt.Errorf("\"send\" command failed: %w", model.ErrConnection),
			expCode: 5,
		},
		"Other errors should be a plain failure.": {
			err:     fmt.Errorf("something"),
			expCode: 1,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.expCode, exitCode(test.err))
		})
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := Run(context.Background(), []string{"printlink", "print-everything"}, nil, &stdout, &stderr)
	assert.Error(t, err)
	assert.Equal(t, 2, exitCode(err))
	assert.Empty(t, stdout.String())
}
