// Copyright 2024 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transfer

import (
	"io"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/voicebridge/voicebridge/pkg/config"
)

// Auditor writes one JSON record per finished transfer, with the full attempt
// history, to a rotating file. A nil Auditor discards records.
type Auditor struct {
	log *logrus.Entry
	out io.Closer
}

// NewAuditor returns nil when no audit file is configured.
func NewAuditor(conf config.AuditConfig, fields logrus.Fields) *Auditor {
	if conf.File == "" {
		return nil
	}
	file := &lumberjack.Logger{
		Filename:   conf.File,
		MaxSize:    conf.MaxSizeMB,
		MaxBackups: conf.MaxBackups,
		MaxAge:     conf.MaxAgeDays,
		Compress:   conf.Compress,
	}
	return newAuditor(file, file, fields)
}

func newAuditor(w io.Writer, c io.Closer, fields logrus.Fields) *Auditor {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.JSONFormatter{})
	return &Auditor{log: l.WithFields(fields), out: c}
}

// Record logs a finished transfer.
func (a *Auditor) Record(info Info) {
	if a == nil {
		return
	}
	entry := a.log.WithFields(logrus.Fields{
		"transferID":  info.ID,
		"leg":         info.Leg,
		"destination": info.Destination,
		"dial":        info.Dial,
		"status":      info.Status,
		"attempts":    info.Attempts,
		"durationMs":  info.Ended.Sub(info.Started).Milliseconds(),
	})
	if info.Cause != "" {
		entry = entry.WithField("cause", info.Cause)
	}
	entry.Info("transfer finished")
}

func (a *Auditor) Close() error {
	if a == nil || a.out == nil {
		return nil
	}
	return a.out.Close()
}
