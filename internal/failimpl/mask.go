// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package failimpl

import "regexp"

var secretValue = regexp.MustCompile(`(?i)((?:password|passwd|chappass\w*|secret)\s*[=:]\s*)[^,;&\s]+`)

// MaskSecrets hides the values of password-like keys in pass-through
// strings, e.g. "user=admin,password=x" becomes
// "user=admin,password=********".
func MaskSecrets(s string) string {
	return secretValue.ReplaceAllString(s, "${1}********")
}
