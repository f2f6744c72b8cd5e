package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/duplex/internal/overlay"
	"github.com/roach88/duplex/internal/overlay/sqlitenet"
)

// seedOverlay creates two peers on a fresh database and sends one message
// from the first to the second.
func seedOverlay(t *testing.T) (path string, from, to overlay.Address) {
	t.Helper()
	path = filepath.Join(t.TempDir(), "net.db")

	n, err := sqlitenet.Open(path)
	require.NoError(t, err)
	defer n.Close()

	ctx := context.Background()
	a, err := n.CreateIdentity(ctx)
	require.NoError(t, err)
	b, err := n.CreateIdentity(ctx)
	require.NoError(t, err)

	env := overlay.Envelope{Sender: a.Address(), Payload: []byte(`{"counter":1}`)}
	require.NoError(t, a.Send(ctx, env, b.Address()))
	return path, a.Address(), b.Address()
}

func TestInbox_JSON(t *testing.T) {
	quietLogs(t)
	t.Chdir(t.TempDir())
	path, from, to := seedOverlay(t)

	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	code := Execute([]string{"inbox", "--db", path, "--format", "json", to.String()}, stdout, stderr)
	require.Equal(t, ExitSuccess, code, stderr.String())

	var resp struct {
		Status string      `json:"status"`
		Data   InboxResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, to.String(), resp.Data.Address)
	require.Len(t, resp.Data.Messages, 1)
	assert.Equal(t, from.String(), resp.Data.Messages[0].Sender)
	assert.Positive(t, resp.Data.Messages[0].Size)
	assert.Nil(t, resp.Data.Messages[0].DeliveredAt)
}

func TestInbox_Text(t *testing.T) {
	quietLogs(t)
	t.Chdir(t.TempDir())
	path, from, to := seedOverlay(t)

	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	code := Execute([]string{"inbox", "--db", path, to.String()}, stdout, stderr)
	require.Equal(t, ExitSuccess, code, stderr.String())

	assert.Contains(t, stdout.String(), "Inbox of "+to.String()+" (1 messages)")
	assert.Contains(t, stdout.String(), "from "+from.Short())
	assert.Contains(t, stdout.String(), "pending")
}

func TestInbox_InvalidAddress(t *testing.T) {
	quietLogs(t)
	t.Chdir(t.TempDir())
	path, _, _ := seedOverlay(t)

	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	code := Execute([]string{"inbox", "--db", path, "0OIl"}, stdout, stderr)

	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr.String(), "invalid address")
}

func TestPeers_ListsOpenPeers(t *testing.T) {
	quietLogs(t)
	t.Chdir(t.TempDir())
	path, from, to := seedOverlay(t)

	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	code := Execute([]string{"peers", "--db", path}, stdout, stderr)
	require.Equal(t, ExitSuccess, code, stderr.String())

	assert.Contains(t, stdout.String(), from.String())
	assert.Contains(t, stdout.String(), to.String())
}

func TestPeersResult_Empty(t *testing.T) {
	assert.Equal(t, "No open peers", PeersResult{}.String())
}
