//go:build debug

/*
 * Copyright (c) 2024, REbus contributors. All rights reserved.
 */
package debug

import (
	"fmt"

	"github.com/golang/glog"
)

func Assert(cond bool, a ...interface{}) {
	if !cond {
		panicMsg(a...)
	}
}

func AssertNoErr(err error) {
	if err != nil {
		panicMsg(err)
	}
}

func AssertMsg(cond bool, msg string) {
	if !cond {
		panicMsg(msg)
	}
}

func Assertf(cond bool, f string, a ...interface{}) {
	if !cond {
		panicMsg(fmt.Sprintf(f, a...))
	}
}

func panicMsg(a ...interface{}) {
	msg := "DEBUG PANIC: " + fmt.Sprint(a...)
	glog.Errorf("%s", msg)
	glog.Flush()
	panic(msg)
}
