package speech

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stt.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestNewRecognizerSelection(t *testing.T) {
	r, err := NewRecognizer("", "", nil)
	require.NoError(t, err)
	assert.Nil(t, r)

	_, err = NewRecognizer("exec", "", nil)
	assert.Error(t, err)

	_, err = NewRecognizer("whisper-cloud", "whisper", nil)
	assert.Error(t, err)

	r, err = NewRecognizer("exec", "/bin/cat", nil)
	require.NoError(t, err)
	assert.NotNil(t, r)
}

func TestExecRecognizerStream(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
echo '{"final":true,"confidence":0.9,"end":1.5,"words":[{"text":"hallo","start":1.0,"end":1.5}]}'
`)
	r, err := NewRecognizer("exec", "/bin/sh "+script, nil)
	require.NoError(t, err)

	stream, err := r.Open(context.Background(), Config{LanguageCode: "de-DE", SampleRate: 16000})
	require.NoError(t, err)

	require.NoError(t, stream.Send(make([]byte, 3200)))
	require.NoError(t, stream.CloseSend())

	var results []Result
	for res := range stream.Results() {
		results = append(results, res)
	}
	require.NoError(t, stream.Err())

	require.Len(t, results, 1)
	assert.True(t, results[0].Final)
	assert.InDelta(t, 0.9, results[0].Confidence, 1e-9)
	assert.InDelta(t, 1.5, results[0].EndSeconds, 1e-9)
	require.Len(t, results[0].Words, 1)
	assert.Equal(t, "hallo", results[0].Words[0].Text)
	assert.InDelta(t, 1.0, results[0].Words[0].Start, 1e-9)
}

func TestExecRecognizerSkipsMalformedLines(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
echo 'not json'
echo '{"final":false,"end":0.5,"words":[{"text":"teil","start":0.1,"end":0.5}]}'
`)
	r, err := NewRecognizer("exec", "/bin/sh "+script, nil)
	require.NoError(t, err)

	stream, err := r.Open(context.Background(), Config{})
	require.NoError(t, err)
	require.NoError(t, stream.CloseSend())

	var results []Result
	for res := range stream.Results() {
		results = append(results, res)
	}
	require.NoError(t, stream.Err())
	require.Len(t, results, 1)
	assert.False(t, results[0].Final)
	assert.Equal(t, "teil", results[0].Words[0].Text)
}

func TestExecRecognizerPassesStreamParameters(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
echo "{\"final\":true,\"words\":[{\"text\":\"$EOS_STT_LANGUAGE/$EOS_STT_SAMPLE_RATE\",\"start\":0,\"end\":1}]}"
`)
	r, err := NewRecognizer("exec", "/bin/sh "+script, nil)
	require.NoError(t, err)

	stream, err := r.Open(context.Background(), Config{LanguageCode: "de-DE", SampleRate: 16000})
	require.NoError(t, err)
	require.NoError(t, stream.CloseSend())

	var results []Result
	for res := range stream.Results() {
		results = append(results, res)
	}
	require.Len(t, results, 1)
	assert.Equal(t, "de-DE/16000", results[0].Words[0].Text)
}

func TestExecRecognizerOpenFailsForMissingCommand(t *testing.T) {
	r, err := NewRecognizer("exec", "/nonexistent/stt-binary", nil)
	require.NoError(t, err)

	_, err = r.Open(context.Background(), Config{})
	assert.Error(t, err)
}
