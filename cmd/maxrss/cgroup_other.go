//go:build !linux

package main

import (
	"github.com/sirupsen/logrus"

	"github.com/github/go-maxrss/maxrss"
)

func (c cgroupConfig) isolation(logrus.FieldLogger) (maxrss.IsolationPolicy, func(), error) {
	return nil, nil, maxrss.ErrUnsupported
}
