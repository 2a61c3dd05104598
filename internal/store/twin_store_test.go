package store

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightctl/calcifer/internal/twin"
)

func TestDecodeSnapshot_Empty(t *testing.T) {
	id, err := twin.NewDeviceId("ctrl1", "relay1")
	require.NoError(t, err)

	snapshot, err := decodeSnapshot(id, map[string]string{})
	require.NoError(t, err)
	assert.True(t, snapshot.IsEmpty())
}

func TestDecodeSnapshot_FullRoundTrip(t *testing.T) {
	id, err := twin.NewDeviceId("ctrl1", "relay1")
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	fields := map[string]string{
		"type":           string(twin.DeviceTypeRelay),
		"intent_type":    string(twin.DeviceTypeRelay),
		"intent_value":   "1",
		"intent_created": now.Format(time.RFC3339Nano),
		"reported_known": "true",
		"reported_type":  string(twin.DeviceTypeRelay),
		"reported_value": "0",
		"reported_at":    now.Format(time.RFC3339Nano),
		"desired_type":   string(twin.DeviceTypeRelay),
		"desired_value":  "1",
		"desired_update": now.Format(time.RFC3339Nano),
	}

	snapshot, err := decodeSnapshot(id, fields)
	require.NoError(t, err)

	require.NotNil(t, snapshot.Intent)
	assert.True(t, snapshot.Intent.Value.Equal(twin.NewRelayValue(true)))

	require.NotNil(t, snapshot.Reported)
	assert.True(t, snapshot.Reported.IsKnown)
	assert.True(t, snapshot.Reported.Value.Equal(twin.NewRelayValue(false)))

	require.NotNil(t, snapshot.Desired)
	assert.True(t, snapshot.Desired.Value.Equal(twin.NewRelayValue(true)))

	assert.False(t, snapshot.IsConverged())
}

func TestDecodeSnapshot_UnknownReported(t *testing.T) {
	id, err := twin.NewDeviceId("ctrl1", "relay1")
	require.NoError(t, err)

	fields := map[string]string{
		"type":           string(twin.DeviceTypeRelay),
		"reported_known": "false",
		"reported_at":    time.Now().UTC().Format(time.RFC3339Nano),
	}

	snapshot, err := decodeSnapshot(id, fields)
	require.NoError(t, err)
	require.NotNil(t, snapshot.Reported)
	assert.False(t, snapshot.Reported.IsKnown)
	assert.False(t, snapshot.IsConverged())
}

func TestTwinStoreKey(t *testing.T) {
	s := NewTwinStore(nil, logrus.New(), 3)
	id, err := twin.NewDeviceId("ctrl1", "relay1")
	require.NoError(t, err)
	assert.Equal(t, "calcifer:twin:ctrl1:relay1", s.key(id))
}

func TestFindAllActiveOutputs_ReadsEveryIndexedDevice(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := NewTwinStore(client, logrus.New(), 3)

	now := time.Now().UTC().Truncate(time.Second)
	mock.ExpectSMembers(activeOutputIndex).SetVal([]string{"ctrl1:relay1"})
	mock.ExpectHGetAll("calcifer:twin:ctrl1:relay1").SetVal(map[string]string{
		"type":           string(twin.DeviceTypeRelay),
		"desired_type":   string(twin.DeviceTypeRelay),
		"desired_value":  "1",
		"desired_update": now.Format(time.RFC3339Nano),
	})

	outputs, err := s.FindAllActiveOutputs(context.Background())
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, "ctrl1:relay1", outputs[0].DeviceId.Canonical())
	assert.True(t, outputs[0].Value.Equal(twin.NewRelayValue(true)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindAllActiveOutputs_SkipsMemberWithNoDesiredSlot(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := NewTwinStore(client, logrus.New(), 3)

	mock.ExpectSMembers(activeOutputIndex).SetVal([]string{"ctrl1:relay1"})
	mock.ExpectHGetAll("calcifer:twin:ctrl1:relay1").SetVal(map[string]string{})

	outputs, err := s.FindAllActiveOutputs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, outputs)
}

func TestDeleteDevice_RemovesHashAndIndexEntryTogether(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := NewTwinStore(client, logrus.New(), 3)

	id, err := twin.NewDeviceId("ctrl1", "relay1")
	require.NoError(t, err)

	mock.MatchExpectationsInOrder(false)
	mock.ExpectTxPipeline()
	mock.ExpectDel("calcifer:twin:ctrl1:relay1").SetVal(1)
	mock.ExpectSRem(activeOutputIndex, "ctrl1:relay1").SetVal(1)
	mock.ExpectTxPipelineExec()

	require.NoError(t, s.DeleteDevice(context.Background(), id))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrphanSweep_RemovesEntriesWhosePrimaryKeyIsGone(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := NewTwinStore(client, logrus.New(), 3)

	mock.ExpectSMembers(activeOutputIndex).SetVal([]string{"ctrl1:relay1", "ctrl1:relay2"})
	mock.ExpectExists("calcifer:twin:ctrl1:relay1").SetVal(1)
	mock.ExpectExists("calcifer:twin:ctrl1:relay2").SetVal(0)
	mock.ExpectSRem(activeOutputIndex, "ctrl1:relay2").SetVal(1)

	removed, err := s.OrphanSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrphanSweep_NothingToRemove(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := NewTwinStore(client, logrus.New(), 3)

	mock.ExpectSMembers(activeOutputIndex).SetVal([]string{"ctrl1:relay1"})
	mock.ExpectExists("calcifer:twin:ctrl1:relay1").SetVal(1)

	removed, err := s.OrphanSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}
