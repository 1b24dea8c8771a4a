package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetricsSpec(t *testing.T) {
	spec, err := parseMetricsSpec([]string{
		"response_rate=replies / emails sent",
		"email_sent=outbound email count",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"response_rate": "replies / emails sent",
		"email_sent":    "outbound email count",
	}, spec)
}

func TestParseMetricsSpecRejectsBadPairs(t *testing.T) {
	_, err := parseMetricsSpec([]string{"no_separator"})
	assert.Error(t, err)

	_, err = parseMetricsSpec([]string{"=missing name"})
	assert.Error(t, err)
}

func TestParseMetricsSpecEmpty(t *testing.T) {
	spec, err := parseMetricsSpec(nil)
	require.NoError(t, err)
	assert.Nil(t, spec)
}
