package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dougsteed/wdmclient/tlv"
	"github.com/dougsteed/wdmclient/traits"
)

func testPath(resource uint64, tags ...uint64) Path {
	return Path{
		Addr: traits.Address{Resource: resource, Profile: 0xABCD, Instance: 1},
		Tags: tags,
	}
}

func TestStatusReportRoundTrip(t *testing.T) {
	s := &StatusReport{Profile: ProfileWDM, Status: StatusVersionMismatch, AdditionalInfo: []byte{1, 2, 3}}
	got, err := ParseStatusReport(s.Encode())
	require.NoError(t, err)
	assert.Equal(t, s.Profile, got.Profile)
	assert.Equal(t, s.Status, got.Status)
	assert.Equal(t, s.AdditionalInfo, got.AdditionalInfo)
	assert.False(t, got.Success())

	ok := &StatusReport{Profile: ProfileCommon, Status: StatusSuccess}
	got, err = ParseStatusReport(ok.Encode())
	require.NoError(t, err)
	assert.True(t, got.Success())

	_, err = ParseStatusReport([]byte{1, 2})
	assert.Error(t, err)
}

func TestSubscribeRequestRoundTrip(t *testing.T) {
	v := uint64(17)
	req := &SubscribeRequest{
		Paths:              []Path{testPath(1, 1), testPath(2)},
		Versions:           []*uint64{&v, nil},
		TimeoutMinSec:      10,
		TimeoutMaxSec:      120,
		SubscribeAllEvents: true,
		LastObserved: []ObservedEvent{
			{Source: 5, Importance: 2, EventID: 99},
		},
	}

	payload, err := req.Encode()
	require.NoError(t, err)

	got, err := ParseSubscribeRequest(payload)
	require.NoError(t, err)
	assert.False(t, got.HasSubscriptionID)
	require.Len(t, got.Paths, 2)
	assert.Equal(t, req.Paths[0].Addr, got.Paths[0].Addr)
	assert.Equal(t, []uint64{1}, got.Paths[0].Tags)
	assert.Empty(t, got.Paths[1].Tags)
	require.Len(t, got.Versions, 2)
	require.NotNil(t, got.Versions[0])
	assert.Equal(t, v, *got.Versions[0])
	assert.Nil(t, got.Versions[1])
	assert.Equal(t, uint32(10), got.TimeoutMinSec)
	assert.Equal(t, uint32(120), got.TimeoutMaxSec)
	assert.True(t, got.SubscribeAllEvents)
	assert.Equal(t, req.LastObserved, got.LastObserved)
}

func TestSubscribeRequestCounterSubscription(t *testing.T) {
	req := &SubscribeRequest{
		SubscriptionID:    0xBB,
		HasSubscriptionID: true,
		Paths:             []Path{testPath(1)},
		Versions:          []*uint64{nil},
	}
	payload, err := req.Encode()
	require.NoError(t, err)

	got, err := ParseSubscribeRequest(payload)
	require.NoError(t, err)
	assert.True(t, got.HasSubscriptionID)
	assert.Equal(t, uint64(0xBB), got.SubscriptionID)
}

func TestSubscribeResponseRoundTrip(t *testing.T) {
	resp := &SubscribeResponse{SubscriptionID: 0xAA, TimeoutSec: 60}
	payload, err := resp.Encode()
	require.NoError(t, err)
	got, err := ParseSubscribeResponse(payload)
	require.NoError(t, err)
	assert.Equal(t, resp.SubscriptionID, got.SubscriptionID)
	assert.Equal(t, resp.TimeoutSec, got.TimeoutSec)
}

func TestSubscribeResponseRequiresID(t *testing.T) {
	w := tlv.NewWriter()
	require.NoError(t, w.StartStructure(tlv.AnonymousTag))
	require.NoError(t, w.PutUInt(2, 60))
	require.NoError(t, w.EndContainer())

	_, err := ParseSubscribeResponse(w.Bytes())
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestSubscriptionIDOnlyRoundTrip(t *testing.T) {
	payload, err := EncodeSubscriptionIDOnly(0xDEAD)
	require.NoError(t, err)
	id, err := ParseSubscriptionIDOnly(payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xDEAD), id)
}

func TestNotificationRoundTrip(t *testing.T) {
	nb := NewNotifyBuilder(0xAA)
	nb.AddElement(testPath(1, 1), 5, false, func(w *tlv.Writer, tag uint64) error {
		return w.PutUInt(tag, 42)
	})
	nb.AddElement(testPath(1, 2), 5, true, func(w *tlv.Writer, tag uint64) error {
		return w.PutUInt(tag, 43)
	})
	payload, err := nb.Finish()
	require.NoError(t, err)

	notify, err := ParseNotificationRequest(payload)
	require.NoError(t, err)
	assert.True(t, notify.HasSubscriptionID)
	assert.Equal(t, uint64(0xAA), notify.SubscriptionID)
	require.NotNil(t, notify.DataList)
	assert.Nil(t, notify.EventList)

	iter := NewDataListIter(notify.DataList)

	e1, err := iter.Next()
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, e1.Path.Tags)
	assert.Equal(t, uint64(5), e1.Version)
	assert.False(t, e1.Partial)
	r, err := e1.DataReader()
	require.NoError(t, err)
	v, err := r.UInt()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v)

	e2, err := iter.Next()
	require.NoError(t, err)
	assert.True(t, e2.Partial)

	_, err = iter.Next()
	assert.Equal(t, tlv.ErrEndOfInput, err)
}

func TestNotificationEventList(t *testing.T) {
	nb := NewNotifyBuilder(0)
	nb.AddElement(testPath(1), 1, false, nil)
	nb.AddEventList([]byte{0xde, 0xad})
	payload, err := nb.Finish()
	require.NoError(t, err)

	notify, err := ParseNotificationRequest(payload)
	require.NoError(t, err)
	assert.False(t, notify.HasSubscriptionID)
	assert.NotNil(t, notify.DataList)
	assert.NotNil(t, notify.EventList)
}

func TestUpdateRequestBuilderRoundTrip(t *testing.T) {
	b, err := NewUpdateRequestBuilder(0)
	require.NoError(t, err)

	require.NoError(t, b.AddElement(testPath(1, 1), 7, func(w *tlv.Writer, tag uint64) error {
		return w.PutUInt(tag, 100)
	}))
	require.NoError(t, b.AddElement(testPath(1, 2), 0, func(w *tlv.Writer, tag uint64) error {
		return w.PutUInt(tag, 200)
	}))
	assert.Equal(t, 2, b.Count())

	payload, err := b.Finish()
	require.NoError(t, err)

	iter, err := ParseUpdateRequest(payload)
	require.NoError(t, err)

	e1, err := iter.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), e1.Version)

	e2, err := iter.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), e2.Version)

	_, err = iter.Next()
	assert.Equal(t, tlv.ErrEndOfInput, err)
}

func TestUpdateRequestBuilderRollsBackOnOverflow(t *testing.T) {
	b, err := NewUpdateRequestBuilder(40)
	require.NoError(t, err)

	require.NoError(t, b.AddElement(testPath(1, 1), 0, func(w *tlv.Writer, tag uint64) error {
		return w.PutUInt(tag, 1)
	}))
	before := b.Count()

	err = b.AddElement(testPath(2, 1, 2, 3, 4, 5, 6, 7, 8), 0, func(w *tlv.Writer, tag uint64) error {
		return w.PutBytes(tag, make([]byte, 64))
	})
	assert.ErrorIs(t, err, tlv.ErrBufferTooSmall)
	assert.Equal(t, before, b.Count())

	// The first element still decodes after the rollback.
	payload, err := b.Finish()
	require.NoError(t, err)
	iter, err := ParseUpdateRequest(payload)
	require.NoError(t, err)
	_, err = iter.Next()
	require.NoError(t, err)
	_, err = iter.Next()
	assert.Equal(t, tlv.ErrEndOfInput, err)
}

func TestUpdateResponseRoundTrip(t *testing.T) {
	resp := &UpdateResponse{
		Versions: []uint64{10, 11},
		Statuses: []ProfileStatus{
			{Profile: ProfileCommon, Status: StatusSuccess},
			{Profile: ProfileWDM, Status: StatusVersionMismatch},
		},
	}
	info, err := resp.Encode()
	require.NoError(t, err)

	got, err := ParseUpdateResponse(info)
	require.NoError(t, err)
	assert.True(t, got.HasVersionList())
	assert.True(t, got.HasStatusList())
	assert.Equal(t, resp.Versions, got.Versions)
	assert.Equal(t, resp.Statuses, got.Statuses)
}

func TestUpdateResponseAbsentLists(t *testing.T) {
	resp := &UpdateResponse{}
	info, err := resp.Encode()
	require.NoError(t, err)

	got, err := ParseUpdateResponse(info)
	require.NoError(t, err)
	assert.False(t, got.HasVersionList())
	assert.False(t, got.HasStatusList())
}
