package domain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Alink topic templates, filled with product key and device name.
const (
	attributeReportTopicFormat  = "/sys/%s/%s/thing/event/property/post"
	attributeSettingTopicFormat = "/sys/%s/%s/thing/service/property/set"
	eventReportTopicFormat      = "/sys/%s/%s/thing/event"
	brokerHostFormat            = "%s.iot-as-mqtt.%s.aliyuncs.com"
)

// Credentials holds everything derived from a DeviceIdentity that the
// transport and the adapter need: MQTT login values, broker host and the
// canonical Alink topics.
type Credentials struct {
	ClientID string
	Username string

	// Password is the HMAC-SHA256 signature rendered as 64 uppercase hex characters
	Password string

	AttributeReportTopic  string
	AttributeSettingTopic string
	EventReportTopic      string
	BrokerHost            string

	// Timestamp is the millisecond timestamp the signature was computed with
	Timestamp int64
}

// DeriveCredentials computes the MQTT credentials and topics for a device.
// The result is a pure function of its inputs: the same identity and
// timestamp always yield the same credentials.
func DeriveCredentials(id DeviceIdentity, nowMillis int64) Credentials {
	pk, dn := id.ProductKey, id.DeviceName
	ts := strconv.FormatInt(nowMillis, 10)

	// deviceName appears twice: once as the clientId value and once under its own label.
	signSource := "clientId" + dn + "deviceName" + dn + "productKey" + pk + "timestamp" + ts

	return Credentials{
		ClientID:              fmt.Sprintf("%s|securemode=3,signmethod=hmacsha256,timestamp=%s|", dn, ts),
		Username:              dn + "&" + pk,
		Password:              Sign(signSource, id.DeviceSecret),
		AttributeReportTopic:  fmt.Sprintf(attributeReportTopicFormat, pk, dn),
		AttributeSettingTopic: fmt.Sprintf(attributeSettingTopicFormat, pk, dn),
		EventReportTopic:      fmt.Sprintf(eventReportTopicFormat, pk, dn),
		BrokerHost:            fmt.Sprintf(brokerHostFormat, pk, id.RegionOrDefault()),
		Timestamp:             nowMillis,
	}
}

// Sign returns HMAC-SHA256(key=secret, message=content) as uppercase hex.
func Sign(content, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(content))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}

// EventTopic returns the publish topic for the given event identifier.
//
// Example: /sys/{pk}/{dn}/thing/event/alarm/post
func (c Credentials) EventTopic(eventID string) string {
	return c.EventReportTopic + "/" + eventID + "/post"
}
