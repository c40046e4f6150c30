package main

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Incoming is one live peer session: the WebRTC transport plus the payment
// engine bonded to it. The gateway registry holds the only long-lived
// reference; stop unregisters it and the session dies.
type Incoming struct {
	server *Server
	pc     *webrtc.PeerConnection
}

// acceptSession answers a client offer: it builds a peer connection with
// the server's long-lived certificate and the gateway's advertised ICE
// addresses, bonds the first data channel into the packet pipeline, and
// returns the candidate-filtered SDP answer.
func acceptSession(gw *Gateway, offer string) (*Incoming, string, error) {
	engine := webrtc.SettingEngine{}
	if len(gw.iceIPs) > 0 {
		engine.SetNAT1To1IPs(gw.iceIPs, webrtc.ICECandidateTypeHost)
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(engine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		Certificates: []webrtc.Certificate{*gw.cert},
	})
	if err != nil {
		return nil, "", fmt.Errorf("peer connection: %w", err)
	}

	srv := newServer(gw, gw.cashier, gw.horizon)
	inc := &Incoming{server: srv, pc: pc}
	srv.shutTransport = pc.Close
	srv.onStop = func(*Server) { gw.unregister(inc) }

	var bondOnce sync.Once
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		first := false
		bondOnce.Do(func() { first = true })
		if !first {
			return
		}
		dc.OnOpen(func() {
			if err := srv.bond(&channelPipe{dc: dc}); err != nil {
				// Egress refused the session: close it, no invoice.
				log.Printf("session open failed: %v", err)
				srv.stop("egress unavailable")
			}
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			srv.land(msg.Data)
		})
		dc.OnClose(func() {
			srv.stop("data channel closed")
		})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			srv.stop(fmt.Sprintf("transport %s", state))
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer,
	}); err != nil {
		pc.Close()
		return nil, "", fmt.Errorf("offer rejected: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, "", fmt.Errorf("answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, "", fmt.Errorf("local description: %w", err)
	}
	<-gathered

	local := pc.LocalDescription()
	if local == nil {
		pc.Close()
		return nil, "", errors.New("no local description after gathering")
	}
	filtered, err := filterAnswer(local.SDP)
	if err != nil {
		pc.Close()
		return nil, "", err
	}
	return inc, filtered, nil
}

// channelPipe adapts a data channel to the pipeline's pipe contract.
type channelPipe struct {
	dc *webrtc.DataChannel
}

func (p *channelPipe) Send(data []byte) error {
	return p.dc.Send(data)
}
