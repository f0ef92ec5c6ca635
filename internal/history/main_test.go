// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package history

import (
	"testing"

	test "github.com/westerndigitalcorporation/mpathcert/pkg/testutil"
)

func TestMain(m *testing.M) {
	test.TestMain(m)
}
