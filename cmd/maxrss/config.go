package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/github/go-maxrss/maxrss"
)

type config struct {
	Output       string        `mapstructure:"output"`
	ReturnResult bool          `mapstructure:"return_result"`
	Debug        bool          `mapstructure:"debug"`
	Pid          int           `mapstructure:"pid"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Cgroup       cgroupConfig  `mapstructure:"cgroup"`
}

type cgroupConfig struct {
	Name      string `mapstructure:"name"`
	Parent    string `mapstructure:"parent"`
	Memory    string `mapstructure:"memory"`
	CPUWeight uint64 `mapstructure:"cpu_weight"`
	Remove    bool   `mapstructure:"remove"`
}

// flagKeys maps command line flags to their configuration keys. Every key
// can also be set through the environment, as MAXRSS_ followed by the key
// in upper case with dots replaced by underscores.
var flagKeys = map[string]string{
	"output":            "output",
	"return-result":     "return_result",
	"debug":             "debug",
	"pid":               "pid",
	"timeout":           "timeout",
	"cgroup":            "cgroup.name",
	"cgroup-parent":     "cgroup.parent",
	"cgroup-memory":     "cgroup.memory",
	"cgroup-cpu-weight": "cgroup.cpu_weight",
	"cgroup-remove":     "cgroup.remove",
}

func addFlags(flags *pflag.FlagSet) {
	flags.StringP("output", "o", "./maxrss.json", "write the results JSON to `path`")
	flags.BoolP("return-result", "r", false, "exit with the command's exit code if it fails")
	flags.Bool("no-return-result", false, "always exit 0 once the results are written")
	flags.BoolP("debug", "d", false, "log every trace event")
	flags.IntP("pid", "p", 0, "attach to the running process `pid` instead of starting a command")
	flags.Duration("timeout", 0, "stop tracing and detach after `duration`")
	flags.String("cgroup", "", "run the command in the cgroup `name`")
	flags.String("cgroup-parent", "/maxrss", "create cgroups under `path`")
	flags.String("cgroup-memory", "", "memory limit of the cgroup, such as 512MiB")
	flags.Uint64("cgroup-cpu-weight", 0, "CPU weight of the cgroup, from 1 to 10000")
	flags.Bool("cgroup-remove", false, "remove the cgroup once the command has finished")
}

func newViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("MAXRSS")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func loadConfig(v *viper.Viper, flags *pflag.FlagSet) (config, error) {
	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}

	if off, _ := flags.GetBool("no-return-result"); off {
		cfg.ReturnResult = false
	}
	if cfg.Output == "" {
		return cfg, errors.New("the output path must not be empty")
	}
	if cfg.Timeout < 0 {
		return cfg, fmt.Errorf("invalid timeout %s", cfg.Timeout)
	}
	return cfg, nil
}

func (c cgroupConfig) limits() (maxrss.CgroupLimits, error) {
	var limits maxrss.CgroupLimits
	if c.Memory != "" {
		n, err := humanize.ParseBytes(c.Memory)
		if err != nil {
			return limits, fmt.Errorf("parsing cgroup memory limit: %w", err)
		}
		limits.Memory = int64(n)
	}
	limits.CPUWeight = c.CPUWeight
	return limits, nil
}
