// Copyright (C) The Halyard Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"sync"
	"time"
)

// The offer and status loops can emit the same complaint thousands of
// times per minute during a resource-manager outage. unspam reports
// whether the given message is due to be logged again (at most once
// per minute per message).
var nextSpam = map[string]time.Time{}
var nextSpamMtx sync.Mutex

func unspam(msg string) bool {
	nextSpamMtx.Lock()
	defer nextSpamMtx.Unlock()
	if nextSpam[msg].Before(time.Now()) {
		nextSpam[msg] = time.Now().Add(time.Minute)
		return true
	}
	return false
}
