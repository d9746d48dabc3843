package store

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetMessage(t *testing.T) {
	s := newTestStore(t)

	id, err := s.SaveMessage(StoredMessage{
		MsgID: "m1", Type: "text", Text: "hello", IsMine: false, Timestamp: 1700000000,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	m, err := s.GetMessage("m1")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "hello", m.Text)
	assert.Equal(t, int64(1700000000), m.Timestamp)
	assert.False(t, m.IsMine)

	byID, err := s.GetMessageByID(id)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "m1", byID.MsgID)

	missing, err := s.GetMessage("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSaveMessageUpsert(t *testing.T) {
	s := newTestStore(t)

	_, err := s.SaveMessage(StoredMessage{MsgID: "m1", Type: "text", Text: "v1"})
	require.NoError(t, err)
	_, err = s.SaveMessage(StoredMessage{MsgID: "m1", Type: "text", Text: "v2"})
	require.NoError(t, err)

	count, err := s.Count(0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	m, err := s.GetMessage("m1")
	require.NoError(t, err)
	assert.Equal(t, "v2", m.Text)
}

func TestGetUpdatesOffsetPaging(t *testing.T) {
	s := newTestStore(t)

	for i := 1; i <= 5; i++ {
		_, err := s.SaveMessage(StoredMessage{
			MsgID: fmt.Sprintf("m%d", i), Type: "text", Text: fmt.Sprintf("msg %d", i),
		})
		require.NoError(t, err)
	}

	// Offset is exclusive: offset 2 starts at row 3.
	msgs, err := s.GetUpdates(UpdatesQuery{Offset: 2, Limit: 2})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m3", msgs[0].MsgID)
	assert.Equal(t, "m4", msgs[1].MsgID)

	msgs, err = s.GetUpdates(UpdatesQuery{Offset: 4})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m5", msgs[0].MsgID)

	msgs, err = s.GetUpdates(UpdatesQuery{Offset: 5})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestGetUpdatesFilters(t *testing.T) {
	s := newTestStore(t)

	_, err := s.SaveMessage(StoredMessage{MsgID: "m1", Type: "text", Text: "t", Timestamp: 100})
	require.NoError(t, err)
	_, err = s.SaveMessage(StoredMessage{MsgID: "m2", Type: "image", Text: "[Image]", Timestamp: 200})
	require.NoError(t, err)
	_, err = s.SaveMessage(StoredMessage{MsgID: "m3", Type: "text", Text: "t2", Timestamp: 300})
	require.NoError(t, err)

	msgs, err := s.GetUpdates(UpdatesQuery{Type: "image"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m2", msgs[0].MsgID)

	msgs, err = s.GetUpdates(UpdatesQuery{Since: 200})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].MsgID)
}

func TestGetLatestOrder(t *testing.T) {
	s := newTestStore(t)
	for i := 1; i <= 4; i++ {
		_, err := s.SaveMessage(StoredMessage{MsgID: fmt.Sprintf("m%d", i), Type: "text"})
		require.NoError(t, err)
	}

	msgs, err := s.GetLatest(2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	// Newest two, returned oldest first.
	assert.Equal(t, "m3", msgs[0].MsgID)
	assert.Equal(t, "m4", msgs[1].MsgID)
}

func TestMaxID(t *testing.T) {
	s := newTestStore(t)

	max, err := s.MaxID()
	require.NoError(t, err)
	assert.Equal(t, int64(0), max)

	_, err = s.SaveMessage(StoredMessage{MsgID: "m1", Type: "text"})
	require.NoError(t, err)
	_, err = s.SaveMessage(StoredMessage{MsgID: "m2", Type: "text"})
	require.NoError(t, err)

	max, err = s.MaxID()
	require.NoError(t, err)
	assert.Equal(t, int64(2), max)
}

func TestFiles(t *testing.T) {
	s := newTestStore(t)

	_, err := s.SaveMessage(StoredMessage{MsgID: "m1", Type: "file", Text: "[File: a.pdf]"})
	require.NoError(t, err)

	id, err := s.SaveFile(StoredFile{
		MsgID: "m1", FileName: "a.pdf", FilePath: "/tmp/a.pdf", FileSize: 1024,
		MimeType: "application/pdf", MD5: "abc", Downloaded: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	f, err := s.GetFileByMsgID("m1")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "a.pdf", f.FileName)
	assert.Equal(t, int64(1024), f.FileSize)
	assert.True(t, f.Downloaded)

	none, err := s.GetFileByMsgID("m2")
	require.NoError(t, err)
	assert.Nil(t, none)

	files, err := s.GetFiles(10, 0)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestKVRoundTrip(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SetKV("chat_mode", "command"))

	var mode string
	ok, err := s.GetKV("chat_mode", &mode)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "command", mode)

	ok, err = s.GetKV("missing", &mode)
	require.NoError(t, err)
	assert.False(t, ok)

	// Values survive replacement.
	require.NoError(t, s.SetKV("chat_mode", "chat"))
	_, err = s.GetKV("chat_mode", &mode)
	require.NoError(t, err)
	assert.Equal(t, "chat", mode)
}

func TestCleanupOldMessages(t *testing.T) {
	s := newTestStore(t)

	old := time.Now().Unix() - 40*86400
	_, err := s.SaveMessage(StoredMessage{MsgID: "old", Type: "text", Timestamp: old})
	require.NoError(t, err)
	_, err = s.SaveMessage(StoredMessage{MsgID: "new", Type: "text"})
	require.NoError(t, err)

	deleted, err := s.CleanupOldMessages(30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	count, err := s.Count(0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestCleanupOldFilesRemovesFromDisk(t *testing.T) {
	s := newTestStore(t)

	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old.bin")
	require.NoError(t, os.WriteFile(oldPath, []byte("x"), 0o644))

	oldTS := time.Now().Unix() - 40*86400
	_, err := s.SaveFile(StoredFile{MsgID: "m1", FileName: "old.bin", FilePath: oldPath, CreatedAt: oldTS})
	require.NoError(t, err)
	_, err = s.SaveFile(StoredFile{MsgID: "m2", FileName: "new.bin", FilePath: filepath.Join(dir, "new.bin")})
	require.NoError(t, err)

	deleted, err := s.CleanupOldFiles(30, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = os.Stat(oldPath)
	assert.True(t, os.IsNotExist(err))
}

func TestStats(t *testing.T) {
	s := newTestStore(t)

	_, err := s.SaveMessage(StoredMessage{MsgID: "m1", Type: "text"})
	require.NoError(t, err)

	stats, err := s.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.MessageCount)
	assert.Equal(t, int64(1), stats.MaxUpdateID)
	assert.Equal(t, int64(1), stats.TodayMessageCount)
	assert.Greater(t, stats.DBSizeBytes, int64(0))
}
