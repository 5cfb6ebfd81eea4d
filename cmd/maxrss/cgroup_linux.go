//go:build linux

package main

import (
	"github.com/sirupsen/logrus"

	"github.com/github/go-maxrss/maxrss"
)

// isolation returns the policy for the configured cgroup, and a function to
// call once the command is done with it.
func (c cgroupConfig) isolation(logger logrus.FieldLogger) (maxrss.IsolationPolicy, func(), error) {
	limits, err := c.limits()
	if err != nil {
		return nil, nil, err
	}

	ip, err := maxrss.NewCgroupIsolationPolicy(c.Name, c.Parent, limits)
	if err != nil {
		return nil, nil, err
	}

	done := func() {}
	if v2, ok := ip.(*maxrss.CachedCgroupsV2Isolation); ok && c.Remove {
		done = func() {
			if err := v2.Remove(); err != nil {
				logger.WithError(err).WithField("cgroup", c.Name).Warn("error removing cgroup")
			}
		}
	}
	return ip, done, nil
}
