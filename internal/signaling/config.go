package signaling

import "github.com/pion/webrtc/v3"

var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// DefaultSTUNConfig returns the PeerConnection configuration used when the
// embedding application does not supply one.
func DefaultSTUNConfig() webrtc.Configuration {
	return STUNConfig(defaultSTUNServers)
}

// STUNConfig builds a PeerConnection configuration around the given STUN
// server URLs. An empty list falls back to the defaults.
func STUNConfig(servers []string) webrtc.Configuration {
	if len(servers) == 0 {
		servers = defaultSTUNServers
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: servers},
		},
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}
}
