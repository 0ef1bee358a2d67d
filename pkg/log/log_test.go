// Copyright 2024 The Madrona Authors.
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

package log

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := newBasicLogger(Info)
	l.SetTarget(&buf)

	l.Debugf("quiet %d", 1)
	l.Infof("loud %d", 2)
	l.Warningf("louder %d", 3)

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Errorf("debug line logged at info level: %q", out)
	}
	if !strings.Contains(out, "loud 2") {
		t.Errorf("info line missing: %q", out)
	}
	if !strings.Contains(out, "louder 3") {
		t.Errorf("warning line missing: %q", out)
	}

	if l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) got true want false at info level")
	}
	if !l.IsLogging(Warning) {
		t.Errorf("IsLogging(Warning) got false want true")
	}

	l.SetLevel(Debug)
	if !l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) got false want true after SetLevel(Debug)")
	}
}

func TestRateLimitedLogger(t *testing.T) {
	var buf bytes.Buffer
	l := newBasicLogger(Info)
	l.SetTarget(&buf)
	rl := RateLimitedLogger(l, time.Hour)

	for i := 0; i < 10; i++ {
		rl.Warningf("burst %d", i)
	}

	if got, want := strings.Count(buf.String(), "burst"), 1; got != want {
		t.Errorf("rate-limited burst logged %d lines want %d", got, want)
	}
}
