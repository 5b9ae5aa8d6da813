package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"synkros/internal/client"
	"synkros/internal/core"
)

func TestDescribe(t *testing.T) {
	err := &client.TransferError{Stage: "decrypt", RayID: "ray-1", Err: core.ErrAuthenticationFailure}
	msg := describe(err)
	assert.NotContains(t, msg, "authentication")
	assert.True(t, strings.HasSuffix(msg, "Reference: ray-1"))

	assert.Equal(t, "boom", describe(errors.New("boom")))
}

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	bar := newProgressBar(&buf, "upload")
	bar.Update(50)
	bar.Update(50)
	bar.Update(150)
	bar.Done()

	out := buf.String()
	assert.Equal(t, 2, strings.Count(out, "\r"), "repeated values are not redrawn")
	assert.Contains(t, out, " 50%")
	assert.Contains(t, out, "100%")
	assert.True(t, strings.HasSuffix(out, "\n"))
}

func TestCommandTree(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["send"] && names["get"] && names["room"])

	sub := map[string]bool{}
	for _, c := range roomCmd.Commands() {
		sub[c.Name()] = true
	}
	assert.True(t, sub["create"] && sub["send"] && sub["receive"])
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("server"))
}
