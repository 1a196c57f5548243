package lattice

import (
	"fmt"
	"os"
	"strings"

	"github.com/golang/glog"
)

// Logging convention for the lattice client:
// Info: essential events for abnormal behavior, plus one-time session
//     lifecycle data. Silent on normal operation.
// V(1): channel-level trace of requests, responses and deliveries.
// V(2): frequent per-frame events.
//
// The LATTICE_DEBUG environment variable selects channels whose traces are
// promoted to unconditional Info, e.g. LATTICE_DEBUG=transport,operation

const (
	LogChannelFacade    = "facade"
	LogChannelTransport = "transport"
	LogChannelOperation = "operation"
	LogChannelResponse  = "response"
)

var debugChannels = func() map[string]bool {
	channels := map[string]bool{}
	for _, channel := range strings.Split(os.Getenv("LATTICE_DEBUG"), ",") {
		channel = strings.TrimSpace(channel)
		if channel != "" {
			channels[channel] = true
		}
	}
	return channels
}()

type LogFunction func(string, ...any)

// LogFn returns a trace logger for a channel, prefixing every line with the
// given short tag.
func LogFn(channel string, tag string) LogFunction {
	verbose := debugChannels[channel]
	return func(format string, a ...any) {
		if verbose {
			glog.InfoDepth(1, fmt.Sprintf("%s"+format, append([]any{tag}, a...)...))
		} else if glog.V(1) {
			glog.InfoDepth(1, fmt.Sprintf("%s"+format, append([]any{tag}, a...)...))
		}
	}
}
