package ops

import (
	"github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"
)

type profileLogger struct{}

func (profileLogger) Infof(format string, args ...interface{})  { logs.Infof(format, args...) }
func (profileLogger) Debugf(string, ...interface{})             {}
func (profileLogger) Errorf(format string, args ...interface{}) { logs.Errorf(format, args...) }

// StartProfiling starts the pyroscope agent when enabled. The returned
// stop function is always safe to call.
func StartProfiling(cfg ProfilingConfig) (func(), error) {
	if !cfg.Enabled {
		return func() {}, nil
	}
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.ApplicationName,
		ServerAddress:   cfg.ServerAddress,
		Tags:            cfg.Tags,
		Logger:          profileLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		return func() {}, err
	}
	logs.Infof("pyroscope profiling enabled, server=%s", cfg.ServerAddress)
	return func() { _ = profiler.Stop() }, nil
}
