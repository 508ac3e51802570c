//go:build !debug

// Package debug provides assertion helpers that compile to no-ops unless
// built with the "debug" build tag.
/*
 * Copyright (c) 2024, REbus contributors. All rights reserved.
 */
package debug

func Assert(cond bool, a ...interface{})            {}
func AssertNoErr(err error)                         {}
func AssertMsg(cond bool, msg string)               {}
func Assertf(cond bool, f string, a ...interface{}) {}
