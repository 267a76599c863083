// Copyright (C) The Screendiff Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import "github.com/screentools/screendiff"

func main() {
	screendiff.Main()
}
