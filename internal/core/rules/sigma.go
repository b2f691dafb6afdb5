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

package rules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/sirupsen/logrus"

	"github.com/bearslyricattack/sysdetect/internal/core/event"
	"github.com/bearslyricattack/sysdetect/pkg/logger"
)

// Event field names exposed to Sigma rules.
const (
	SigmaFieldSyscall   = "Syscall"
	SigmaFieldProcessID = "ProcessId"
	SigmaFieldComm      = "Comm"
	SigmaFieldTarget    = "Target"
	SigmaFieldProt      = "Prot"
)

// sigmaConfig maps common Sysmon-style field names onto syscall event fields.
func sigmaConfig() sigma.Config {
	return sigma.Config{
		Title: "sysdetect syscall events",
		FieldMappings: map[string]sigma.FieldMapping{
			"Image":          {TargetNames: []string{SigmaFieldTarget}},
			"TargetFilename": {TargetNames: []string{SigmaFieldTarget}},
			"DestinationIp":  {TargetNames: []string{SigmaFieldTarget}},
			"ProcessName":    {TargetNames: []string{SigmaFieldComm}},
		},
	}
}

// SigmaRuleSet is a set of compiled Sigma rules evaluated against every event.
type SigmaRuleSet struct {
	evaluators []*evaluator.RuleEvaluator
}

// LoadSigmaRules compiles every *.yml and *.yaml rule file in dir. Files
// that are not Sigma rules are skipped; a rule that fails to parse is an
// error.
func LoadSigmaRules(dir string) (*SigmaRuleSet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sigma rules directory %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yml", ".yaml":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	set := &SigmaRuleSet{}
	for _, name := range names {
		path := filepath.Join(dir, name)
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read sigma rule %s: %w", path, err)
		}
		if sigma.InferFileType(content) != sigma.RuleFile {
			logger.L.WithField("file", path).Debug("Skipping file that is not a Sigma rule")
			continue
		}
		rule, err := sigma.ParseRule(content)
		if err != nil {
			return nil, fmt.Errorf("failed to parse sigma rule %s: %w", path, err)
		}
		set.evaluators = append(set.evaluators, evaluator.ForRule(rule, evaluator.WithConfig(sigmaConfig())))
		logger.L.WithFields(logrus.Fields{
			"rule_id": rule.ID,
			"title":   rule.Title,
		}).Debug("Loaded Sigma rule")
	}

	logger.L.WithFields(logrus.Fields{
		"dir":   dir,
		"count": len(set.evaluators),
	}).Info("Sigma rules loaded")
	return set, nil
}

// Len returns the number of compiled rules.
func (s *SigmaRuleSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.evaluators)
}

// Match returns the alert detail, "<title> (<id>)", of every rule that
// matches ev. Rules that fail to evaluate are logged and skipped.
func (s *SigmaRuleSet) Match(ctx context.Context, ev event.Event) []string {
	if s.Len() == 0 {
		return nil
	}

	fields := map[string]interface{}{
		SigmaFieldSyscall:   ev.Syscall,
		SigmaFieldProcessID: strconv.Itoa(ev.PID),
		SigmaFieldComm:      ev.Comm,
		SigmaFieldTarget:    ev.Target,
		SigmaFieldProt:      ev.Prot,
	}

	var details []string
	for _, re := range s.evaluators {
		result, err := re.Matches(ctx, fields)
		if err != nil {
			logger.L.WithFields(logrus.Fields{
				"rule_id": re.Rule.ID,
				"error":   err,
			}).Debug("Sigma rule evaluation failed")
			continue
		}
		if result.Match {
			details = append(details, fmt.Sprintf("%s (%s)", re.Rule.Title, re.Rule.ID))
		}
	}
	return details
}
