package session

func (f *Front) bumpUDPQuery() {
	f.statsMu.Lock()
	f.udpQueries++
	f.statsMu.Unlock()
}

func (f *Front) bumpTCPQuery() {
	f.statsMu.Lock()
	f.tcpQueries++
	f.statsMu.Unlock()
}

func (f *Front) bumpDrop() {
	f.statsMu.Lock()
	f.drops++
	f.statsMu.Unlock()
}

func (f *Front) bumpReject() {
	f.statsMu.Lock()
	f.rejects++
	f.statsMu.Unlock()
}

func (f *Front) bumpServedLocal() {
	f.statsMu.Lock()
	f.servedLocal++
	f.statsMu.Unlock()
}

func (f *Front) bumpTCPTimeout() {
	f.statsMu.Lock()
	f.tcpTimeouts++
	f.statsMu.Unlock()
}
