package entitlements

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)

func TestParseAccessResponseNestedProduct(t *testing.T) {
	body := []byte(`{"productAccess":[
		{"productId":{"_id":"A","name":"Alpha"},"isActive":true,"isExpired":false,"remainingUsage":3,"usageCount":7},
		{"productId":{"id":"B","name":"Beta"},"isActive":false,"isExpired":true,"remainingUsage":0,"usageCount":1}
	]}`)

	records, err := ParseAccessResponse(body, testNow)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, Record{ProductID: "A", ProductName: "Alpha", IsActive: true, RemainingUsage: 3, UsageCount: 7}, records[0])
	assert.Equal(t, Record{ProductID: "B", ProductName: "Beta", IsExpired: true, UsageCount: 1}, records[1])
}

func TestParseAccessResponseFlatProduct(t *testing.T) {
	body := []byte(`{"productAccess":[
		{"productId":"A","productName":"Alpha","isActive":true,"isExpired":false},
		{"productId":"B","name":"Beta","isExpired":false,"remainingUsage":2}
	]}`)

	records, err := ParseAccessResponse(body, testNow)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Alpha", records[0].ProductName)
	assert.Equal(t, int64(0), records[0].RemainingUsage, "missing counters default to zero")
	assert.Equal(t, "Beta", records[1].ProductName)
	assert.Equal(t, int64(2), records[1].RemainingUsage)
}

func TestNormalizeDefaultsAndDrops(t *testing.T) {
	past := testNow.Add(-time.Hour).Format(time.RFC3339)
	future := testNow.Add(time.Hour).Format(time.RFC3339)
	body := []byte(`{"productAccess":[
		{"isActive":true},
		{"productId":null},
		{"productId":{"name":"orphan"}},
		{"productId":"A","remainingUsage":-4,"usageCount":-1},
		{"productId":"A","remainingUsage":9},
		{"productId":"B","expiresAt":"` + past + `"},
		{"productId":"C","expiresAt":"` + future + `"},
		"garbage"
	]}`)

	records, err := ParseAccessResponse(body, testNow)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, "A", records[0].ProductID)
	assert.Equal(t, int64(0), records[0].RemainingUsage, "negative clamps to zero")
	assert.Equal(t, int64(0), records[0].UsageCount)
	assert.False(t, records[0].IsExpired, "omitted isExpired without expiry is not expired")

	assert.True(t, records[1].IsExpired, "expiry in the past")
	assert.False(t, records[2].IsExpired, "expiry in the future")
	require.NotNil(t, records[2].ExpiresAt)
}

func TestParseAccessResponseMissingListIsEmpty(t *testing.T) {
	records, err := ParseAccessResponse([]byte(`{}`), testNow)
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = ParseAccessResponse([]byte(`[1,2]`), testNow)
	assert.Error(t, err)
}

func TestRecordsFromProfile(t *testing.T) {
	records, err := RecordsFromProfile([]byte(`{"_id":"u1","products":[{"productId":"A","isActive":true,"isExpired":false}]}`), testNow)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "A", records[0].ProductID)

	records, err = RecordsFromProfile([]byte(`{"productAccess":[{"productId":{"_id":"X"}}],"products":[{"productId":"Y"}]}`), testNow)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "X", records[0].ProductID)
}
