package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tidesync/tidesync/internal/errdefs"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid configuration", errdefs.New(errdefs.CodeValidation, "bad port"), 3},
		{"store unavailable", errdefs.New(errdefs.CodeSystem, "open store"), 2},
		{"store owned elsewhere", errdefs.New(errdefs.CodeConflict, "locked"), 2},
		{"anything else", errors.New("boom"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestEmergencyResetRequiresForce(t *testing.T) {
	cmd := emergencyResetCmd
	cmd.SetArgs([]string{})
	err := cmd.RunE(cmd, nil)
	assert.Error(t, err)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeValidation))
}
