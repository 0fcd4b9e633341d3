package scenario

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

// captureLogOutput runs fn and returns the log output as a string.
func captureLogOutput(fn func()) string {
	var buf bytes.Buffer
	origOutput := logrus.StandardLogger().Out
	origLevel := logrus.GetLevel()
	logrus.SetOutput(&buf)
	logrus.SetLevel(logrus.WarnLevel)
	defer func() {
		if origOutput != nil {
			logrus.SetOutput(origOutput)
		} else {
			logrus.SetOutput(os.Stderr)
		}
		logrus.SetLevel(origLevel)
	}()
	fn()
	return buf.String()
}

func TestParse_UnknownVersion_Warns(t *testing.T) {
	output := captureLogOutput(func() {
		if _, err := Parse([]byte(lineYAML + "version: \"7\"\n")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
	if !strings.Contains(output, `scenario version \"7\"`) && !strings.Contains(output, `scenario version "7"`) {
		t.Errorf("expected version warning, got: %q", output)
	}
}

func TestParse_KnownVersion_NoWarning(t *testing.T) {
	output := captureLogOutput(func() {
		if _, err := Parse([]byte(lineYAML + "version: \"1\"\n")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
	if output != "" {
		t.Errorf("expected no warnings, got: %q", output)
	}
}

func TestNewArrivalSampler_TinyGammaShape_FallsBackToPoisson(t *testing.T) {
	cv := 20.0
	var sampler ArrivalSampler
	output := captureLogOutput(func() {
		sampler = NewArrivalSampler("gamma", 0.01, &cv)
	})
	if _, ok := sampler.(*PoissonSampler); !ok {
		t.Errorf("expected *PoissonSampler, got %T", sampler)
	}
	if !strings.Contains(output, "falling back to Poisson") {
		t.Errorf("expected fallback warning, got: %q", output)
	}
}
