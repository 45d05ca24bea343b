package message

import (
	"testing"
	"time"

	"peerwire/checksum"
	"peerwire/protocol"
)

func TestRequestFrameRoundTrip(t *testing.T) {
	req := &Request{
		Service: "Arith",
		Method:  "Add",
		Headers: protocol.Headers{{Key: HeaderArgScheme, Value: "json"}},
		TTL:     250 * time.Millisecond,
		Arg3:    []byte(`{"a":1,"b":2}`),
	}

	body := req.Body(checksum.CRC32C)
	if len(body.Args) != 3 || string(body.Args[0]) != "Add" || body.Args[1] == nil {
		t.Fatalf("unexpected args %q", body.Args)
	}

	got := RequestFromFrame(body, body.Args)
	if got.Service != req.Service || got.Method != req.Method || got.TTL != req.TTL {
		t.Fatalf("RequestFromFrame = %+v", got)
	}
	if got.ArgScheme() != "json" {
		t.Errorf("ArgScheme() = %q", got.ArgScheme())
	}
	if string(got.Arg3) != string(req.Arg3) || len(got.Arg2) != 0 {
		t.Errorf("args mismatch: arg2=%q arg3=%q", got.Arg2, got.Arg3)
	}

	t.Logf("Pass request round trip")
}

func TestResponseCodes(t *testing.T) {
	ok := (&Response{OK: true, Arg3: []byte("3")}).Body(checksum.None)
	if ok.Code != protocol.ResponseOK {
		t.Fatalf("Code = %d, want OK", ok.Code)
	}
	failed := (&Response{Arg3: []byte("division by zero")}).Body(checksum.None)
	if failed.Code != protocol.ResponseError {
		t.Fatalf("Code = %d, want Error", failed.Code)
	}

	res := ResponseFromFrame(failed, failed.Args[:2])
	if res.OK || len(res.Arg3) != 0 {
		t.Fatalf("ResponseFromFrame with missing arg3 = %+v", res)
	}

	appErr := ResponseFromFrame(failed, failed.Args).AppError(&Request{Service: "Arith", Method: "Div"})
	if appErr.Error() != "application error from Arith::Div: division by zero" {
		t.Errorf("AppError() = %q", appErr.Error())
	}
}
