package service

import (
	"fmt"
	"testing"

	"github.com/nexus-edge/alink-device/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const settingTopic = "/sys/PK1/DEV1/thing/service/property/set"

// recorder collects the values passed to handlers created with it.
type recorder struct {
	calls map[string][]interface{}
}

func newRecorder() *recorder {
	return &recorder{calls: make(map[string][]interface{})}
}

func (r *recorder) handler(label string) Handler {
	return func(v interface{}) {
		r.calls[label] = append(r.calls[label], v)
	}
}

func TestRegistryBindEmptyName(t *testing.T) {
	r := NewRegistry(4, settingTopic)
	err := r.Bind("", func(interface{}) {})
	assert.ErrorIs(t, err, domain.ErrEmptyName)
	assert.Zero(t, r.Len())
}

func TestRegistryRebindOverwritesInPlace(t *testing.T) {
	r := NewRegistry(4, settingTopic)
	rec := newRecorder()

	require.NoError(t, r.Bind("temperature", rec.handler("h1")))
	require.NoError(t, r.Bind("temperature", rec.handler("h2")))

	assert.Equal(t, []string{"temperature"}, r.Names())

	h, ok := r.Lookup("temperature")
	require.True(t, ok)
	h(1.0)
	assert.Empty(t, rec.calls["h1"])
	assert.Equal(t, []interface{}{1.0}, rec.calls["h2"])
}

func TestRegistryCapacity(t *testing.T) {
	const capacity = 5
	r := NewRegistry(capacity, settingTopic)

	for i := 0; i < capacity; i++ {
		require.NoError(t, r.Bind(fmt.Sprintf("attr%d", i), func(interface{}) {}))
	}

	err := r.Bind("overflow", func(interface{}) {})
	assert.ErrorIs(t, err, domain.ErrRegistryFull)

	// Rebinding an existing name still works when full.
	assert.NoError(t, r.Bind("attr3", func(interface{}) {}))

	require.NoError(t, r.Unbind("attr2"))
	assert.NoError(t, r.Bind("overflow", func(interface{}) {}))
	assert.Equal(t, capacity, r.Len())

	// The freed slot is reused in place.
	assert.Equal(t, []string{"attr0", "attr1", "overflow", "attr3", "attr4"}, r.Names())
}

func TestRegistryDefaultCapacity(t *testing.T) {
	r := NewRegistry(0, settingTopic)
	assert.Equal(t, DefaultCapacity, r.Capacity())
}

func TestRegistryUnbindUnknown(t *testing.T) {
	r := NewRegistry(4, settingTopic)
	require.NoError(t, r.Bind("humidity", func(interface{}) {}))

	err := r.Unbind("temperature")
	assert.ErrorIs(t, err, domain.ErrNotBound)
	assert.Equal(t, []string{"humidity"}, r.Names())

	assert.ErrorIs(t, r.Unbind(""), domain.ErrNotBound)
}

func TestRegistryConfigureDiscardsEntries(t *testing.T) {
	r := NewRegistry(4, settingTopic)
	require.NoError(t, r.Bind("humidity", func(interface{}) {}))

	require.NoError(t, r.Configure(2))
	assert.Equal(t, 2, r.Capacity())
	assert.Zero(t, r.Len())

	assert.ErrorIs(t, r.Configure(0), domain.ErrInvalidCapacity)
	assert.Equal(t, 2, r.Capacity())
}

func TestRegistryDispatchAttributeSetting(t *testing.T) {
	r := NewRegistry(8, settingTopic)
	rec := newRecorder()
	require.NoError(t, r.Bind("temperature", rec.handler("temperature")))
	require.NoError(t, r.Bind("humidity", rec.handler("humidity")))

	result, err := r.Dispatch(settingTopic, []byte(`{"params":{"temperature":21.5}}`))
	require.NoError(t, err)

	assert.Equal(t, 1, result.Invoked)
	assert.Equal(t, []interface{}{21.5}, rec.calls["temperature"])
	assert.Empty(t, rec.calls["humidity"])
}

func TestRegistryDispatchAttributeSettingFansOutInTableOrder(t *testing.T) {
	r := NewRegistry(8, settingTopic)
	var order []string
	bind := func(name string) {
		require.NoError(t, r.Bind(name, func(v interface{}) {
			order = append(order, fmt.Sprintf("%s=%v", name, v))
		}))
	}
	bind("switch")
	bind("temperature")
	bind("humidity")

	result, err := r.Dispatch(settingTopic, []byte(`{"method":"thing.service.property.set","params":{"humidity":40,"switch":1}}`))
	require.NoError(t, err)

	assert.Equal(t, 2, result.Invoked)
	assert.Equal(t, []string{"switch=1", "humidity=40"}, order)
}

func TestRegistryDispatchAttributeSettingWithoutParams(t *testing.T) {
	r := NewRegistry(4, settingTopic)
	rec := newRecorder()
	require.NoError(t, r.Bind("temperature", rec.handler("temperature")))

	for _, payload := range []string{`{}`, `{"params":5}`, `[1,2]`, `"temperature"`} {
		result, err := r.Dispatch(settingTopic, []byte(payload))
		require.NoError(t, err)
		assert.Zero(t, result.Invoked, payload)
	}
	assert.Empty(t, rec.calls)
}

func TestRegistryDispatchDirectTopic(t *testing.T) {
	r := NewRegistry(4, settingTopic)
	rec := newRecorder()
	require.NoError(t, r.Bind("custom/topic", rec.handler("custom")))
	require.NoError(t, r.Bind("other/topic", rec.handler("other")))

	result, err := r.Dispatch("custom/topic", []byte(`{"a":1,"b":"x"}`))
	require.NoError(t, err)

	assert.Equal(t, 1, result.Invoked)
	require.Len(t, rec.calls["custom"], 1)
	assert.Equal(t, map[string]interface{}{"a": 1.0, "b": "x"}, rec.calls["custom"][0])
	assert.Empty(t, rec.calls["other"])
}

func TestRegistryDispatchUnregisteredTopic(t *testing.T) {
	r := NewRegistry(4, settingTopic)
	rec := newRecorder()
	require.NoError(t, r.Bind("custom/topic", rec.handler("custom")))

	result, err := r.Dispatch("unknown/topic", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Zero(t, result.Invoked)
	assert.Empty(t, rec.calls)
}

func TestRegistryDispatchDirectTopicIgnoresParamsKeys(t *testing.T) {
	// Outside the setting topic, attribute names are not matched against params.
	r := NewRegistry(4, settingTopic)
	rec := newRecorder()
	require.NoError(t, r.Bind("temperature", rec.handler("temperature")))

	result, err := r.Dispatch("custom/topic", []byte(`{"params":{"temperature":1}}`))
	require.NoError(t, err)
	assert.Zero(t, result.Invoked)
}

func TestRegistryDispatchInvalidJSON(t *testing.T) {
	r := NewRegistry(4, settingTopic)
	rec := newRecorder()
	require.NoError(t, r.Bind("custom/topic", rec.handler("custom")))
	require.NoError(t, r.Bind("temperature", rec.handler("temperature")))

	_, err := r.Dispatch("custom/topic", []byte(`{not json`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	_, err = r.Dispatch(settingTopic, []byte(`{"params":{"temperature":`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	assert.Empty(t, rec.calls)
}

func TestRegistryDispatchRecoversPanics(t *testing.T) {
	r := NewRegistry(4, settingTopic)
	rec := newRecorder()
	require.NoError(t, r.Bind("bad", func(interface{}) { panic("boom") }))
	require.NoError(t, r.Bind("good", rec.handler("good")))

	result, err := r.Dispatch(settingTopic, []byte(`{"params":{"bad":1,"good":2}}`))
	require.NoError(t, err)

	assert.Equal(t, 2, result.Invoked)
	assert.Equal(t, []string{"bad"}, result.Panicked)
	assert.Equal(t, []interface{}{2.0}, rec.calls["good"])
}

func TestRegistryHandlerMayRebind(t *testing.T) {
	r := NewRegistry(4, settingTopic)
	require.NoError(t, r.Bind("once", func(interface{}) {
		_ = r.Unbind("once")
	}))

	result, err := r.Dispatch("once", []byte(`1`))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Invoked)
	assert.Zero(t, r.Len())
}

func TestRegistryNilHandlerIsSkipped(t *testing.T) {
	r := NewRegistry(4, settingTopic)
	require.NoError(t, r.Bind("temperature", nil))

	result, err := r.Dispatch(settingTopic, []byte(`{"params":{"temperature":1}}`))
	require.NoError(t, err)
	assert.Zero(t, result.Invoked)
}

func TestRegistrySubscriptions(t *testing.T) {
	r := NewRegistry(4, settingTopic)
	require.NoError(t, r.Bind("temperature", nil))
	require.NoError(t, r.put("a/b", nil, true, 1))
	require.NoError(t, r.put("c/d", nil, true, 0))

	assert.Equal(t, []Subscription{{Topic: "a/b", QoS: 1}, {Topic: "c/d", QoS: 0}}, r.Subscriptions())
}
