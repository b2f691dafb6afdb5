// Copyright 2025 CompliK Authors
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

package config

import (
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bearslyricattack/sysdetect/pkg/models"
)

type upperConverter struct{}

func (upperConverter) Convert(value string) (interface{}, error) {
	return value + "!", nil
}

var _ = Describe("EnvLoader", func() {
	var (
		loader *EnvLoader
		cfg    *models.Config
	)

	setenv := func(key, value string) {
		Expect(os.Setenv(key, value)).To(Succeed())
		DeferCleanup(os.Unsetenv, key)
	}

	BeforeEach(func() {
		loader = NewEnvLoader("")
		cfg = models.DefaultConfig()
	})

	It("should derive variable names from field paths", func() {
		Expect(loader.getEnvKey("rules.rapid_writes.window")).To(Equal("SYSDETECT_RULES_RAPID_WRITES_WINDOW"))
		Expect(NewEnvLoader("custom").getEnvKey("api.port")).To(Equal("CUSTOM_API_PORT"))
	})

	It("should leave the configuration alone without variables", func() {
		Expect(loader.LoadFromEnv(cfg)).To(Succeed())
		Expect(cfg).To(Equal(models.DefaultConfig()))
	})

	It("should convert by field type", func() {
		setenv("SYSDETECT_ENGINE_MAX_PROCESSES", "2048")
		setenv("SYSDETECT_ENGINE_LOG_LEVEL", "debug")
		setenv("SYSDETECT_ENGINE_SHARED_BURST_COUNTER", "yes")
		setenv("SYSDETECT_RULES_RAPID_WRITES_WINDOW", "500ms")
		setenv("SYSDETECT_RULES_WRITE_WHITELIST", "rsync, backup ,,")
		setenv("SYSDETECT_API_ENABLED", "1")

		Expect(loader.LoadFromEnv(cfg)).To(Succeed())
		Expect(cfg.Engine.MaxProcesses).To(Equal(2048))
		Expect(cfg.Engine.LogLevel).To(Equal("debug"))
		Expect(cfg.Engine.SharedBurstCounter).To(BeTrue())
		Expect(cfg.Rules.RapidWrites.Window).To(Equal(500 * time.Millisecond))
		Expect(cfg.Rules.WriteWhitelist).To(Equal([]string{"rsync", "backup"}))
		Expect(cfg.API.Enabled).To(BeTrue())
	})

	It("should let an empty list variable clear a list", func() {
		setenv("SYSDETECT_RULES_DISABLED", "")
		cfg.Rules.Disabled = []string{"PTRACE_USED"}
		Expect(loader.LoadFromEnv(cfg)).To(Succeed())
		Expect(cfg.Rules.Disabled).To(BeEmpty())
	})

	It("should fail without partial updates on a bad value", func() {
		setenv("SYSDETECT_API_PORT", "9999")
		setenv("SYSDETECT_METRICS_PORT", "ninety")

		err := loader.LoadFromEnv(cfg)
		Expect(err).To(MatchError(ContainSubstring("SYSDETECT_METRICS_PORT")))
		Expect(cfg.API.Port).To(Equal(8080))
	})

	It("should honour custom mappings and converters", func() {
		setenv("DETECTOR_LEVEL", "warn")
		loader.AddMapping("engine.log_level", "DETECTOR_LEVEL").
			AddConverter("engine.log_level", upperConverter{})

		Expect(loader.LoadFromEnv(cfg)).To(Succeed())
		Expect(cfg.Engine.LogLevel).To(Equal("warn!"))
	})

	DescribeTable("BoolConverter",
		func(value string, expected bool, fails bool) {
			got, err := (&BoolConverter{}).Convert(value)
			if fails {
				Expect(err).To(HaveOccurred())
				return
			}
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(expected))
		},
		Entry("true", "true", true, false),
		Entry("on", "ON", true, false),
		Entry("disabled", "disabled", false, false),
		Entry("garbage", "maybe", false, true),
	)
})
