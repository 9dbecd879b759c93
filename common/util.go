// Copyright 2022 The form-generation Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"context"
	"fmt"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// UpdateLogTags return a copy of the log tags, extended with the request parameters
// stored in the context (if any)
func UpdateLogTags(ctxt context.Context, original log.Fields) (log.Fields, error) {
	newLogTags := log.Fields{}
	for key, value := range original {
		newLogTags[key] = value
	}
	if ctxt == nil {
		return newLogTags, nil
	}
	if ctxt.Value(RequestParam{}) != nil {
		v, ok := ctxt.Value(RequestParam{}).(RequestParam)
		if !ok {
			return nil, fmt.Errorf("request param in context is not RequestParam")
		}
		v.UpdateLogTags(newLogTags)
	}
	return newLogTags, nil
}

// sessionIDWrapper wrapper for validating a session ID
type sessionIDWrapper struct {
	SessionID string `validate:"required"`
}

// ValidateSessionID validate a session ID is usable as a channel name
//
// Session IDs are opaque tokens, so only emptiness is checked.
func ValidateSessionID(sessionID string, validate *validator.Validate) error {
	if validate == nil {
		validate = validator.New()
	}
	t := sessionIDWrapper{SessionID: sessionID}
	return validate.Struct(&t)
}
