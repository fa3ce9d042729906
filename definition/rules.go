// Copyright 2025 Trustfabric Labs
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

package definition

import (
	"fmt"
	"strings"

	"github.com/trustfabric/sigil/database/models"
	"github.com/xeipuuv/gojsonschema"
)

// RuleViolationError reports which issuance rule a request failed
type RuleViolationError struct {
	Rule   string
	Detail string
}

func (e *RuleViolationError) Error() string {
	return fmt.Sprintf(
		"issuance rule violation (%s): %s",
		e.Rule,
		e.Detail,
	)
}

// EvaluateRules checks a request's submitted claims and the participant
// record against a definition's issuance rules. A nil return means the
// request satisfies every rule.
func EvaluateRules(
	def *models.CredentialDefinition,
	participant *models.Participant,
	claims map[string]any,
) error {
	for _, attr := range def.Rules.RequiredAttributes {
		if _, ok := participant.Attributes[attr]; !ok {
			return &RuleViolationError{
				Rule: "requiredAttributes",
				Detail: fmt.Sprintf(
					"participant %s is missing attribute %q",
					participant.Did,
					attr,
				),
			}
		}
	}
	if def.Rules.ClaimsSchema != "" {
		schemaLoader := gojsonschema.NewStringLoader(def.Rules.ClaimsSchema)
		claimsLoader := gojsonschema.NewGoLoader(claims)
		result, err := gojsonschema.Validate(schemaLoader, claimsLoader)
		if err != nil {
			return &RuleViolationError{
				Rule:   "claimsSchema",
				Detail: fmt.Sprintf("schema validation failed: %s", err),
			}
		}
		if !result.Valid() {
			details := make([]string, 0, len(result.Errors()))
			for _, desc := range result.Errors() {
				details = append(details, desc.String())
			}
			return &RuleViolationError{
				Rule:   "claimsSchema",
				Detail: strings.Join(details, "; "),
			}
		}
	}
	return nil
}
