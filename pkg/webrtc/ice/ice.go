package ice

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"signaller/pkg/webrtc/protocol"
)

// Modes accepted in ICE_MODE.
const (
	ModeSTUNTURN = "stun-turn"
	ModeTURNOnly = "turn-only"
	ModeSTUNOnly = "stun-only"
)

// DefaultSTUN is used when no STUN server is configured.
var DefaultSTUN = []string{"stun:stun.l.google.com:19302"}

// Env holds the raw ICE settings, normally read from the environment.
type Env struct {
	Mode         string
	STUNURLs     string
	TURNURLs     string
	TURNUsername string
	TURNPassword string
}

// FromEnv reads ICE settings from the environment.
//
// Env vars:
// - STUN_URLS: comma-separated STUN URLs
// - TURN_URLS: comma-separated TURN URLs
// - TURN_USERNAME / TURN_PASSWORD: TURN credentials (if required)
// - ICE_MODE: stun-turn (default), turn-only, stun-only
func FromEnv() Env {
	return Env{
		Mode:         strings.TrimSpace(os.Getenv("ICE_MODE")),
		STUNURLs:     strings.TrimSpace(os.Getenv("STUN_URLS")),
		TURNURLs:     strings.TrimSpace(os.Getenv("TURN_URLS")),
		TURNUsername: strings.TrimSpace(os.Getenv("TURN_USERNAME")),
		TURNPassword: strings.TrimSpace(os.Getenv("TURN_PASSWORD")),
	}
}

// LoadFromEnv parses ICE configuration from environment variables.
func LoadFromEnv() (mode string, servers []protocol.ICEServer) {
	return Load(FromEnv(), logrus.StandardLogger())
}

// Load turns raw settings into the ICE server list for the selected mode.
func Load(env Env, logger logrus.FieldLogger) (mode string, servers []protocol.ICEServer) {
	mode = env.Mode
	if mode == "" {
		mode = ModeSTUNTURN
	}

	turnOnly := strings.EqualFold(mode, ModeTURNOnly)
	stunOnly := strings.EqualFold(mode, ModeSTUNOnly)

	if !turnOnly {
		if env.STUNURLs != "" {
			if urls := splitAndClean(env.STUNURLs); len(urls) > 0 {
				servers = append(servers, protocol.ICEServer{URLs: urls})
			}
		} else {
			servers = append(servers, protocol.ICEServer{URLs: DefaultSTUN})
		}
	}

	if !stunOnly {
		if env.TURNURLs != "" {
			if urls := splitAndClean(env.TURNURLs); len(urls) > 0 {
				servers = append(servers, protocol.ICEServer{
					URLs:       urls,
					Username:   env.TURNUsername,
					Credential: env.TURNPassword,
				})
			}
		} else if !turnOnly {
			logger.Debug("TURN not configured; set TURN_URLS and credentials for relay fallback")
		}
	}

	if turnOnly && len(servers) == 0 {
		logger.Warn("ICE_MODE=turn-only set but no TURN servers are configured; falling back to default STUN")
		servers = append(servers, protocol.ICEServer{URLs: DefaultSTUN})
	}

	logger.Debugf("ICE servers loaded (mode=%s): %+v", mode, servers)
	return mode, servers
}

func splitAndClean(csv string) []string {
	parts := strings.Split(csv, ",")
	var out []string
	for _, p := range parts {
		v := strings.TrimSpace(p)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
