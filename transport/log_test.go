package transport

import (
	"testing"
	"time"
)

func TestLogFramePadding(t *testing.T) {
	testLogFrame(t, newPaddingFrame(3), "frame_type=padding length=3")
}

func TestLogFramePing(t *testing.T) {
	f := &pingFrame{}
	testLogFrame(t, f, "frame_type=ping")
}

func TestLogFrameAck(t *testing.T) {
	var ranges rangeSet
	ranges.pushItem(1)
	f := newAckFrame(2, ranges)
	testLogFrame(t, f, "frame_type=ack ack_delay=2 largest_acked=1")
}

func TestLogFrameCrypto(t *testing.T) {
	f := newCryptoFrame(make([]byte, 5), 1)
	testLogFrame(t, f, "frame_type=crypto offset=1 length=5")
}

func TestLogFrameNewToken(t *testing.T) {
	f := newNewTokenFrame(make([]byte, 4))
	testLogFrame(t, f, "frame_type=new_token token=00000000")
}

func TestLogFrameNewConnectionID(t *testing.T) {
	f := &newConnectionIDFrame{seq: 1, cid: []byte{0xaa, 0xbb}}
	testLogFrame(t, f, "frame_type=new_connection_id sequence_number=1 connection_id=aabb")
}

func TestLogFrameStream(t *testing.T) {
	f := newStreamFrame(2, make([]byte, 4), 3, true)
	testLogFrame(t, f, "frame_type=stream stream_id=2 offset=3 length=4 fin=true")
}

func TestLogFrameMaxData(t *testing.T) {
	f := newMaxDataFrame(1)
	testLogFrame(t, f, "frame_type=max_data maximum=1")
}

func TestLogFrameMaxStreamData(t *testing.T) {
	f := newMaxStreamDataFrame(1, 2)
	testLogFrame(t, f, "frame_type=max_stream_data stream_id=1 maximum=2")
}

func TestLogFrameMaxStreamID(t *testing.T) {
	f := &maxStreamIDFrame{maximumStreamID: 7}
	testLogFrame(t, f, "frame_type=max_stream_id maximum=7")
}

func TestLogFrameConnectionClose(t *testing.T) {
	f := newConnectionCloseFrame(0x122, 99, []byte("reason"), false)
	testLogFrame(t, f, "frame_type=connection_close error_space=transport error_code=290 reason=reason trigger_frame_type=99")
}

func TestLogFrameApplicationClose(t *testing.T) {
	f := newConnectionCloseFrame(0x7, 0, []byte("bye"), true)
	testLogFrame(t, f, "frame_type=connection_close error_space=application error_code=7 reason=bye")
}

func testLogFrame(t *testing.T, f frame, expect string) {
	tm := time.Date(2020, time.January, 5, 2, 3, 4, 5, time.UTC)
	e := newLogEventFrame(tm, logEventFramesProcessed, f)
	expect = "2020-01-05T02:03:04Z frames_processed " + expect
	actual := e.String()
	if expect != actual {
		t.Helper()
		t.Fatalf("\nexpect %v\nactual %v", expect, actual)
	}
}
