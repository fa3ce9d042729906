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

package definition_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trustfabric/sigil/database/models"
	"github.com/trustfabric/sigil/definition"
)

func TestEvaluateRulesRequiredAttributes(t *testing.T) {
	def := &models.CredentialDefinition{
		Rules: models.IssuanceRules{
			RequiredAttributes: []string{"membershipLevel", "region"},
		},
	}
	participant := &models.Participant{
		Did: "did:example:attrs",
		Attributes: map[string]any{
			"membershipLevel": "gold",
			"region":          "emea",
		},
	}
	require.NoError(t, definition.EvaluateRules(def, participant, nil))

	delete(participant.Attributes, "region")
	err := definition.EvaluateRules(def, participant, nil)
	require.Error(t, err)
	var violation *definition.RuleViolationError
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, "requiredAttributes", violation.Rule)
	assert.Contains(t, violation.Detail, "region")
}

func TestEvaluateRulesClaimsSchema(t *testing.T) {
	def := &models.CredentialDefinition{
		Rules: models.IssuanceRules{
			ClaimsSchema: `{
				"type": "object",
				"required": ["employeeId"],
				"properties": {
					"employeeId": {"type": "string"},
					"department": {"type": "string"}
				}
			}`,
		},
	}
	participant := &models.Participant{Did: "did:example:schema"}

	require.NoError(t, definition.EvaluateRules(def, participant, map[string]any{
		"employeeId": "E-1234",
		"department": "engineering",
	}))

	err := definition.EvaluateRules(def, participant, map[string]any{
		"department": "engineering",
	})
	require.Error(t, err)
	var violation *definition.RuleViolationError
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, "claimsSchema", violation.Rule)

	err = definition.EvaluateRules(def, participant, map[string]any{
		"employeeId": 42,
	})
	require.Error(t, err)
}

func TestEvaluateRulesEmpty(t *testing.T) {
	// A definition with no rules accepts anything
	def := &models.CredentialDefinition{}
	participant := &models.Participant{Did: "did:example:norules"}
	require.NoError(
		t,
		definition.EvaluateRules(def, participant, map[string]any{"x": 1}),
	)
	require.NoError(t, definition.EvaluateRules(def, participant, nil))
}
