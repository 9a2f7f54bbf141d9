// Package config loads the YAML configuration of a bridge run.
//
// Values are layered: Default, then the YAML file, then NETBRIDGE_*
// environment variables. Durations are written as Go duration strings:
//
//	http:
//	  timeout: 15s
//	  rate_limit: 20
//	  burst: 5
//	webrtc:
//	  ice_servers: ["stun:stun.example.org:3478"]
package config
