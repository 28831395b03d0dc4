package main

import (
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/ergochat/irc-go/ircreader"
	"github.com/horgh/catbox/internal/config"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorToQuitMessage(t *testing.T) {
	tests := []struct {
		Error  error
		Output string
	}{
		{nil, "I/O error"},
		{fmt.Errorf("blah"), "blah"},
		{fmt.Errorf(""), "I/O error"},
		{fmt.Errorf("hi :"), "hi :"},
		{fmt.Errorf("hi : "), "hi : "},
		{
			fmt.Errorf("read tcp ip:port->ip:port: i/o timeout"),
			"Ping timeout: 120 seconds",
		},
		{
			fmt.Errorf("read tcp ip:port->ip:port: read: connection reset by peer"),
			"Connection reset by peer",
		},
		{errors.Wrap(io.EOF, "error reading"), "Client closed connection"},
		{errors.Wrap(ircreader.ErrReadQ, "error reading"), "Excess Flood"},
	}

	cb := &Catbox{}
	cb.config.Store(&config.Config{DeadTime: 120 * time.Second})

	for _, test := range tests {
		assert.Equal(t, test.Output, cb.errorToQuitMessage(test.Error),
			"errorToQuitMessage(%v)", test.Error)
	}
}

func TestGetArgs(t *testing.T) {
	args, err := getArgs([]string{"-c", "catbox.conf", "-vv"})
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(args.ConfigFile))
	assert.Equal(t, "catbox.conf", filepath.Base(args.ConfigFile))
	assert.Equal(t, 2, args.Verbosity)
	assert.False(t, args.Version)

	args, err = getArgs([]string{"--version"})
	require.NoError(t, err)
	assert.True(t, args.Version)

	_, err = getArgs(nil)
	assert.Error(t, err)

	_, err = getArgs([]string{"--bogus"})
	assert.Error(t, err)
}
