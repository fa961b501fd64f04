// Copyright (C) The scmark Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"github.com/scmark/scmark"
)

func main() {
	scmark.Main()
}
