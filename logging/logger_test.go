package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerWithService_JSON(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	entry := NewLoggerWithService("credit-ledger")
	var buf bytes.Buffer
	entry.Logger.SetOutput(&buf)

	entry.Info("dropped")
	entry.WithField("tenant_id", "academy-1").Warn("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, "credit-ledger", line["service"])
	assert.Equal(t, "academy-1", line["tenant_id"])
	assert.Equal(t, logrus.WarnLevel, entry.Logger.GetLevel())
}
