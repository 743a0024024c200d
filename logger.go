// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import "github.com/sirupsen/logrus"

// Logger is an interface which can be satisfied to surface debug/error
// logging from the dispatcher. It is entirely optional; a nil Logger makes
// logging silent.
type Logger interface {
	Printf(format string, v ...interface{})
}

// NewLogrusLogger adapts a *logrus.Logger (or the package-level logger, via
// logrus.StandardLogger()) to the Logger interface.
func NewLogrusLogger(l *logrus.Logger) Logger {
	return &logrusAdapter{l: l}
}

type logrusAdapter struct {
	l *logrus.Logger
}

func (a *logrusAdapter) Printf(format string, v ...interface{}) {
	a.l.Infof(format, v...)
}

// debugf/errorf are small helpers used throughout the dispatcher/registry so
// call sites don't need a nil check at every log line.
func debugf(log Logger, format string, v ...interface{}) {
	if log == nil {
		return
	}
	log.Printf("DEBUG "+format, v...)
}

func errorf(log Logger, format string, v ...interface{}) {
	if log == nil {
		return
	}
	log.Printf("ERROR "+format, v...)
}
