// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"bytes"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBackendConsole(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	b, err := NewWithConsole("", "DEBUG", false, NewConsole(&buf))
	require.NoError(err)

	l := b.GetLogger("test")
	l.Notice("hello")
	b.Console().Printf("Accept? (Yes/No): ")

	out := buf.String()
	require.Contains(out, "NOTI test: hello")
	require.True(strings.HasSuffix(out, "Accept? (Yes/No): "))
}

func TestConsoleSerializesWrites(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	c := NewConsole(&buf)

	const (
		nrWriters = 8
		nrLines   = 100
		line      = "0123456789abcdef0123456789abcdef\n"
	)
	var wg sync.WaitGroup
	for i := 0; i < nrWriters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < nrLines; j++ {
				c.Printf("%s", line)
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(lines, nrWriters*nrLines)
	for _, l := range lines {
		require.Equal(strings.TrimSuffix(line, "\n"), l)
	}
}

func TestBackendFileAndRotate(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "notipair.log")
	b, err := New(f, "INFO", false)
	require.NoError(err)

	l := b.GetLogger("rotate")
	l.Info("before")
	require.NoError(b.Rotate())
	l.Info("after")
	l.Debug("filtered")
}

func TestGoLogger(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	b, err := NewWithConsole("", "NOTICE", false, NewConsole(&buf))
	require.NoError(err)

	l := b.GetGoLogger("http", "WARNING")
	l.Printf("http: TLS handshake error from %s", "127.0.0.1:1234")
	require.Contains(buf.String(), "WARN http: http: TLS handshake error from 127.0.0.1:1234\n")

	b.GetGoLogger("quiet", "DEBUG").Print("filtered")
	require.NotContains(buf.String(), "filtered")

	require.Panics(func() { b.GetGoLogger("bad", "LOUD") })
}

func TestInvalidLevel(t *testing.T) {
	_, err := New("", "LOUD", false)
	require.Error(t, err)
}
