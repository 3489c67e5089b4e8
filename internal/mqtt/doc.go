// Package mqtt connects the kiosk to the building's MQTT broker. One
// connection carries both directions: the visitor presence signal comes
// in on a subscribed topic, and the kiosk's gauges (workflow state,
// session status, amplitude, countdown, link status) go out as retained
// state topics.
//
// Connection management uses Eclipse Paho v2's [autopaho] package. On
// every (re-)connect the client publishes retained Home Assistant
// discovery configs for each gauge, an "online" birth message, the last
// known gauge values, and re-subscribes to the presence topic. A will
// message flips availability to "offline" on unexpected disconnects.
package mqtt
