package dxrpc

import "expvar"

// peerMetrics record peer activity counters.
type peerMetrics struct {
	envelopeRecv    expvar.Int
	envelopeSent    expvar.Int
	envelopeDropped expvar.Int // invalid, unsolicited, or arriving while not open
	callIn          expvar.Int // number of inbound requests received
	callInErr       expvar.Int // number of inbound requests reporting an error
	callOut         expvar.Int // number of outbound calls initiated
	callOutErr      expvar.Int // number of outbound calls reporting an error
	callActive      expvar.Int // inbound
	callPending     expvar.Int // outbound
	streamsIn       expvar.Int // number of inbound streaming requests
	streamsActive   expvar.Int // inbound
	streamClosesIn  expvar.Int // number of stream closes received

	emap *expvar.Map
}

func newPeerMetrics() *peerMetrics {
	pm := &peerMetrics{emap: new(expvar.Map)}
	pm.emap.Set("envelopes_received", &pm.envelopeRecv)
	pm.emap.Set("envelopes_sent", &pm.envelopeSent)
	pm.emap.Set("envelopes_dropped", &pm.envelopeDropped)
	pm.emap.Set("calls_in", &pm.callIn)
	pm.emap.Set("calls_in_failed", &pm.callInErr)
	pm.emap.Set("calls_active", &pm.callActive)
	pm.emap.Set("calls_out", &pm.callOut)
	pm.emap.Set("calls_out_failed", &pm.callOutErr)
	pm.emap.Set("calls_pending", &pm.callPending)
	pm.emap.Set("streams_in", &pm.streamsIn)
	pm.emap.Set("streams_active", &pm.streamsActive)
	pm.emap.Set("stream_closes_in", &pm.streamClosesIn)
	return pm
}
