// pkg/config/params.go
package config

import (
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	MaxVerbosity = 5
	DefaultPort  = 12306
)

// EngineParams are the in-situ engine parameters.
type EngineParams struct {
	Verbose       int
	FixedSchedule bool
	StepTimeout   time.Duration
}

// TransportParams describe one wide-area transport.
type TransportParams struct {
	Type      string
	Library   string
	IPAddress string
	Port      int
	Name      string
}

// paramViper loads a parameter map; keys are case insensitive.
func paramViper(params map[string]string) (*viper.Viper, error) {
	v := viper.New()
	m := make(map[string]any, len(params))
	for k, val := range params {
		m[k] = val
	}
	if err := v.MergeConfigMap(m); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "parameters: %v", err)
	}
	return v, nil
}

// ParseParams reads engine parameters. In strict mode malformed values and
// verbosity outside [0, 5] are errors; otherwise they fall back to defaults
// and the verbosity is clamped.
func ParseParams(params map[string]string, strict bool) (EngineParams, error) {
	var p EngineParams
	v, err := paramViper(params)
	if err != nil {
		return p, err
	}

	if v.IsSet("verbose") {
		n, err := cast.ToIntE(v.Get("verbose"))
		switch {
		case err != nil && strict:
			return p, status.Errorf(codes.InvalidArgument, "verbose %q is not an integer", v.GetString("verbose"))
		case err != nil:
		case (n < 0 || n > MaxVerbosity) && strict:
			return p, status.Errorf(codes.InvalidArgument, "verbose must be in [0, %d], got %d", MaxVerbosity, n)
		default:
			p.Verbose = min(max(n, 0), MaxVerbosity)
		}
	}

	if v.IsSet("fixedschedule") {
		b, err := cast.ToBoolE(v.Get("fixedschedule"))
		if err != nil && strict {
			return p, status.Errorf(codes.InvalidArgument, "FixedSchedule %q is not a boolean", v.GetString("fixedschedule"))
		}
		p.FixedSchedule = err == nil && b
	}

	if v.IsSet("steptimeout") {
		d, err := cast.ToDurationE(v.Get("steptimeout"))
		if err != nil && strict {
			return p, status.Errorf(codes.InvalidArgument, "StepTimeout %q is not a duration", v.GetString("steptimeout"))
		}
		if err == nil {
			p.StepTimeout = d
		}
	}
	return p, nil
}

// ParseTransportParams reads and validates one wide-area parameter set.
// streamName is the default for Name.
func ParseTransportParams(params map[string]string, streamName string) (TransportParams, error) {
	var p TransportParams
	v, err := paramViper(params)
	if err != nil {
		return p, err
	}
	v.SetDefault("port", DefaultPort)
	v.SetDefault("name", streamName)

	p.Type = v.GetString("type")
	p.Library = v.GetString("library")
	p.IPAddress = v.GetString("ipaddress")
	p.Name = v.GetString("name")
	if p.Port, err = cast.ToIntE(v.Get("port")); err != nil || p.Port <= 0 || p.Port >= 65535 {
		return p, status.Errorf(codes.InvalidArgument, "Port %q is not a usable control port", v.GetString("port"))
	}
	if p.IPAddress == "" {
		return p, status.Error(codes.InvalidArgument, "IPAddress is required")
	}
	return p, nil
}
