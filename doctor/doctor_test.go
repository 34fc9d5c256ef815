package doctor

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"micgate/audio"
)

func TestCheckTap(t *testing.T) {
	node := audio.NewFakeNode(audio.Format{SampleRate: 16000, Channels: 1})
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		loud := make([]float32, 160)
		for i := range loud {
			loud[i] = 0.5
		}
		for {
			select {
			case <-stop:
				return
			default:
			}
			node.Feed(loud)
			time.Sleep(time.Millisecond)
		}
	}()

	var out bytes.Buffer
	if !checkTap(node, &out, 100*time.Millisecond) {
		t.Fatalf("checkTap failed:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "PASS: tap install and remove bridged") {
		t.Errorf("missing bridge pass line:\n%s", out.String())
	}
	if strings.Contains(out.String(), "Warning") {
		t.Errorf("loud input should not warn:\n%s", out.String())
	}
	if node.Tapped(0) {
		t.Error("tap left installed")
	}
}

func TestCheckTapNoAudio(t *testing.T) {
	node := audio.NewFakeNode(audio.Format{SampleRate: 16000, Channels: 1})
	var out bytes.Buffer
	if checkTap(node, &out, 10*time.Millisecond) {
		t.Fatal("checkTap passed without audio")
	}
	if !strings.Contains(out.String(), "no audio buffers") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
}

func TestCheckTapInstallFailure(t *testing.T) {
	node := audio.NewFakeNode(audio.Format{SampleRate: 16000, Channels: 1})
	node.FailNextInstall(audio.ExceptionStreamFailed, "device unplugged")
	var out bytes.Buffer
	if checkTap(node, &out, 0) {
		t.Fatal("checkTap passed after install failure")
	}
	if !strings.Contains(out.String(), "device unplugged") {
		t.Errorf("failure reason not reported:\n%s", out.String())
	}
}
