// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package confab

import "expvar"

// chatMetrics record server activity counters.
type chatMetrics struct {
	pduRecv       expvar.Int
	pduSent       expvar.Int
	pduDropped    expvar.Int
	loginsOK      expvar.Int // logins completing the full confirm barrier
	loginsErr     expvar.Int // logins rejected for a duplicate username
	logouts       expvar.Int // logouts completing the full confirm barrier
	eventsSent    expvar.Int // event PDUs fanned out to clients
	confirmsRecv  expvar.Int // event-confirm PDUs received
	chatsRouted   expvar.Int // chat requests accepted for fan-out
	forceDeletes  expvar.Int // registry entries removed after transport failure
	workersActive expvar.Int // gauge of connection workers currently running

	emap *expvar.Map
}

var serverMetrics = newChatMetrics()

func newChatMetrics() *chatMetrics {
	m := &chatMetrics{emap: new(expvar.Map)}
	m.emap.Set("pdus_received", &m.pduRecv)
	m.emap.Set("pdus_sent", &m.pduSent)
	m.emap.Set("pdus_dropped", &m.pduDropped)
	m.emap.Set("logins_ok", &m.loginsOK)
	m.emap.Set("logins_rejected", &m.loginsErr)
	m.emap.Set("logouts", &m.logouts)
	m.emap.Set("events_sent", &m.eventsSent)
	m.emap.Set("confirms_received", &m.confirmsRecv)
	m.emap.Set("chats_routed", &m.chatsRouted)
	m.emap.Set("force_deletes", &m.forceDeletes)
	m.emap.Set("workers_active", &m.workersActive)
	return m
}
