// Copyright (c) 2026 John Earle
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

// Package junk classifies delivery-status notifications, bounces, and
// automated senders out of the pipeline before any identity work happens.
// Detection patterns are modelled as a versioned rule set rather than
// inline conditionals so new provider-specific phrases can be added
// without touching control flow.
package junk

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Reason tags why an event was rejected. Reported in the batch summary.
type Reason string

const (
	ReasonDeliveryStatus Reason = "delivery_status"
	ReasonBounce         Reason = "bounce"
	ReasonNoReply        Reason = "no_reply"
	ReasonAutomated      Reason = "automated"
	ReasonFeedbackLoop   Reason = "feedback_loop"
)

// Kind selects which part of the event a rule inspects.
type Kind string

const (
	// KindSender matches a substring of the normalized sender address.
	KindSender Kind = "sender"
	// KindSubject matches a substring of the lowercased subject.
	KindSubject Kind = "subject"
	// KindHeader matches a substring of a named header value; an empty
	// pattern matches on header presence alone.
	KindHeader Kind = "header"
	// KindShortBody matches a substring of the body, applied only when
	// the body is shorter than the short-body threshold. Long legitimate
	// emails quoting bounce phrases must not trip these.
	KindShortBody Kind = "short_body"
)

// Rule is one tagged detection pattern. Patterns are lowercase substrings.
type Rule struct {
	Tag     Reason `yaml:"tag"`
	Kind    Kind   `yaml:"kind"`
	Pattern string `yaml:"pattern"`
	Header  string `yaml:"header,omitempty"`
}

// RuleSet is a versioned collection of detection rules. The version is
// bumped whenever the built-in defaults change, so operators can tell
// which vintage a deployment runs.
type RuleSet struct {
	Version int    `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// DefaultRules returns the built-in detection rule set.
func DefaultRules() *RuleSet {
	return &RuleSet{
		Version: 3,
		Rules: []Rule{
			// Sender address patterns.
			{Tag: ReasonDeliveryStatus, Kind: KindSender, Pattern: "mailer-daemon"},
			{Tag: ReasonDeliveryStatus, Kind: KindSender, Pattern: "postmaster@"},
			{Tag: ReasonBounce, Kind: KindSender, Pattern: "bounce@"},
			{Tag: ReasonBounce, Kind: KindSender, Pattern: "bounces@"},
			{Tag: ReasonBounce, Kind: KindSender, Pattern: "bounces+"},
			{Tag: ReasonNoReply, Kind: KindSender, Pattern: "no-reply"},
			{Tag: ReasonNoReply, Kind: KindSender, Pattern: "noreply"},
			{Tag: ReasonNoReply, Kind: KindSender, Pattern: "no_reply"},
			{Tag: ReasonNoReply, Kind: KindSender, Pattern: "donotreply"},
			{Tag: ReasonFeedbackLoop, Kind: KindSender, Pattern: "feedback-loop@"},
			{Tag: ReasonFeedbackLoop, Kind: KindSender, Pattern: "fbl@"},
			{Tag: ReasonFeedbackLoop, Kind: KindSender, Pattern: "complaints@"},

			// Subject phrases.
			{Tag: ReasonDeliveryStatus, Kind: KindSubject, Pattern: "delivery status notification"},
			{Tag: ReasonBounce, Kind: KindSubject, Pattern: "undeliverable"},
			{Tag: ReasonBounce, Kind: KindSubject, Pattern: "undelivered mail"},
			{Tag: ReasonBounce, Kind: KindSubject, Pattern: "returned mail"},
			{Tag: ReasonBounce, Kind: KindSubject, Pattern: "failure notice"},
			{Tag: ReasonBounce, Kind: KindSubject, Pattern: "mail delivery failed"},
			{Tag: ReasonAutomated, Kind: KindSubject, Pattern: "out of office"},
			{Tag: ReasonAutomated, Kind: KindSubject, Pattern: "automatic reply"},
			{Tag: ReasonAutomated, Kind: KindSubject, Pattern: "auto-reply"},
			{Tag: ReasonAutomated, Kind: KindSubject, Pattern: "autoreply"},
			{Tag: ReasonAutomated, Kind: KindSubject, Pattern: "auto response"},

			// Header markers for machine-generated mail.
			{Tag: ReasonAutomated, Kind: KindHeader, Header: "Auto-Submitted", Pattern: "auto-"},
			{Tag: ReasonAutomated, Kind: KindHeader, Header: "X-Autoreply", Pattern: ""},
			{Tag: ReasonAutomated, Kind: KindHeader, Header: "X-Autorespond", Pattern: ""},
			{Tag: ReasonAutomated, Kind: KindHeader, Header: "Precedence", Pattern: "bulk"},
			{Tag: ReasonAutomated, Kind: KindHeader, Header: "Precedence", Pattern: "junk"},
			{Tag: ReasonAutomated, Kind: KindHeader, Header: "Precedence", Pattern: "auto_reply"},
			{Tag: ReasonDeliveryStatus, Kind: KindHeader, Header: "Content-Type", Pattern: "multipart/report"},
			{Tag: ReasonBounce, Kind: KindHeader, Header: "X-Failed-Recipients", Pattern: ""},
			{Tag: ReasonFeedbackLoop, Kind: KindHeader, Header: "Feedback-Type", Pattern: ""},

			// Bounce diagnostics in short bodies.
			{Tag: ReasonBounce, Kind: KindShortBody, Pattern: "delivery to the following recipient failed"},
			{Tag: ReasonBounce, Kind: KindShortBody, Pattern: "address not found"},
			{Tag: ReasonBounce, Kind: KindShortBody, Pattern: "mailbox unavailable"},
			{Tag: ReasonBounce, Kind: KindShortBody, Pattern: "user unknown"},
			{Tag: ReasonBounce, Kind: KindShortBody, Pattern: "recipient address rejected"},
			{Tag: ReasonBounce, Kind: KindShortBody, Pattern: "message could not be delivered"},
		},
	}
}

// LoadRules reads a rule set from a YAML file. Used to override or extend
// the built-in defaults without a redeploy.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file %s: %w", path, err)
	}

	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse rules YAML: %w", err)
	}

	if len(rs.Rules) == 0 {
		return nil, fmt.Errorf("rules file %s contains no rules", path)
	}

	return &rs, nil
}
