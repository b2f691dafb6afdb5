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
	"go.uber.org/multierr"

	"github.com/bearslyricattack/sysdetect/pkg/models"
)

func fieldsOf(errs []error) []string {
	var out []string
	for _, err := range errs {
		if verr, ok := err.(*ValidationError); ok {
			out = append(out, verr.Field)
		}
	}
	return out
}

var _ = Describe("ConfigValidator", func() {
	var (
		validator *ConfigValidator
		cfg       *models.Config
	)

	BeforeEach(func() {
		validator = NewConfigValidator()
		cfg = models.DefaultConfig()
	})

	It("should register the default rules", func() {
		Expect(validator.GetFieldRules("engine.max_processes")).NotTo(BeEmpty())
		Expect(validator.GetFieldRules("rules.rapid_writes.window")).NotTo(BeEmpty())
		Expect(validator.GetFieldRules("no.such.field")).To(BeEmpty())
	})

	It("should append custom rules", func() {
		validator.AddRule("engine.log_level", &StringRule{MaxLength: 4})
		Expect(validator.GetFieldRules("engine.log_level")).To(HaveLen(2))

		cfg.Engine.LogLevel = "debug"
		Expect(validator.Validate(cfg).Valid).To(BeFalse())
	})

	It("should accept the default configuration", func() {
		result := validator.Validate(cfg)
		Expect(result.Valid).To(BeTrue())
		Expect(result.Errors).To(BeEmpty())
		Expect(result.Err()).NotTo(HaveOccurred())
	})

	It("should accept the default configuration with servers enabled", func() {
		cfg.Metrics.Enabled = true
		cfg.API.Enabled = true
		cfg.Rules.Cooldown.Enabled = true
		Expect(validator.Validate(cfg).Valid).To(BeTrue())
	})

	It("should collect every invalid field", func() {
		cfg.Engine.MaxProcesses = 0
		cfg.Engine.LogLevel = "loud"
		cfg.Rules.RapidWrites.Window = 0
		cfg.Rules.RapidDirEnumeration.Threshold = -1
		cfg.Rules.ExecPathPrefixes = []string{"bin/"}

		result := validator.Validate(cfg)
		Expect(result.Valid).To(BeFalse())
		Expect(fieldsOf(result.Errors)).To(ConsistOf(
			"engine.max_processes",
			"engine.log_level",
			"rules.rapid_writes.window",
			"rules.rapid_dir_enumeration.threshold",
			"rules.exec_path_prefixes",
		))
		Expect(multierr.Errors(result.Err())).To(HaveLen(5))
		Expect(result.Err().Error()).To(ContainSubstring("engine.log_level"))
	})

	It("should only check server settings when enabled", func() {
		cfg.Metrics.Port = 0
		cfg.API.Port = 0
		Expect(validator.Validate(cfg).Valid).To(BeTrue())

		cfg.API.Enabled = true
		Expect(fieldsOf(validator.Validate(cfg).Errors)).To(ConsistOf("api.port"))
	})

	It("should only check cooldown settings when enabled", func() {
		cfg.Rules.Cooldown.MaxSize = 0
		Expect(validator.Validate(cfg).Valid).To(BeTrue())

		cfg.Rules.Cooldown.Enabled = true
		Expect(fieldsOf(validator.Validate(cfg).Errors)).To(ConsistOf("rules.cooldown.max_size"))
	})

	It("should reject a missing sigma rules directory", func() {
		cfg.Rules.SigmaRulesDir = "/nonexistent/sigma/rules"
		Expect(fieldsOf(validator.Validate(cfg).Errors)).To(ConsistOf("rules.sigma_rules_dir"))

		dir, err := os.MkdirTemp("", "sysdetect-sigma-*")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, dir)
		cfg.Rules.SigmaRulesDir = dir
		Expect(validator.Validate(cfg).Valid).To(BeTrue())
	})

	It("should reject servers sharing a port", func() {
		cfg.Metrics.Enabled = true
		cfg.API.Enabled = true
		cfg.API.Port = cfg.Metrics.Port

		result := validator.Validate(cfg)
		Expect(result.Valid).To(BeFalse())
		Expect(result.Errors[0].(*ValidationError).Code).To(Equal("PORT_CONFLICT"))
	})

	It("should warn about questionable settings", func() {
		cfg.Engine.SharedBurstCounter = true
		cfg.Rules.WriteWhitelist = append(cfg.Rules.WriteWhitelist, "sshd")
		cfg.Rules.ExecPathPrefixes = append(cfg.Rules.ExecPathPrefixes, "/srv")

		result := validator.Validate(cfg)
		Expect(result.Valid).To(BeTrue())
		Expect(result.Warnings).To(HaveLen(3))
		Expect(result.Warnings).To(ContainElement(ContainSubstring("shared_burst_counter")))
		Expect(result.Warnings).To(ContainElement(ContainSubstring("'sshd'")))
		Expect(result.Warnings).To(ContainElement(ContainSubstring("'/srv'")))
	})

	It("should warn when no exec prefixes are configured", func() {
		cfg.Rules.ExecPathPrefixes = nil
		cfg.Rules.HomePrefix = ""
		Expect(validator.Validate(cfg).Warnings).To(ContainElement(ContainSubstring("every execve")))
	})

	It("should reject a nil configuration", func() {
		result := validator.Validate(nil)
		Expect(result.Valid).To(BeFalse())
		Expect(result.Err()).To(HaveOccurred())
	})

	It("should bound the burst window", func() {
		cfg.Rules.RapidDirEnumeration.Window = 2 * time.Hour
		Expect(fieldsOf(validator.Validate(cfg).Errors)).To(ConsistOf("rules.rapid_dir_enumeration.window"))
	})
})
