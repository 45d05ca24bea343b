package server

import (
	"context"
	"reflect"

	"github.com/pkg/errors"

	"peerwire/codec"
	"peerwire/message"
	"peerwire/middleware"
	"peerwire/protocol"
)

// methodType is one exported method with an RPC signature:
//
//	func (t *T) Name(args *A, reply *R) error
//	func (t *T) Name(ctx context.Context, args *A, reply *R) error
type methodType struct {
	method    reflect.Method
	withCtx   bool
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// newService inspects rcvr and collects its RPC methods. name defaults to
// the receiver's type name.
func newService(name string, rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, errors.Errorf("rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, errors.Errorf("rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	if name == "" {
		name = typ.Elem().Name()
	}
	srv := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	srv.registerMethods()
	if len(srv.method) == 0 {
		return nil, errors.Errorf("%s has no methods with an RPC signature", name)
	}
	return srv, nil
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}
		first := 1
		switch {
		case mt.NumIn() == 4 && mt.In(1) == contextType:
			first = 2
		case mt.NumIn() == 3:
		default:
			continue
		}
		if mt.In(first).Kind() != reflect.Ptr || mt.In(first+1).Kind() != reflect.Ptr {
			continue
		}
		s.method[method.Name] = &methodType{
			method:    method,
			withCtx:   first == 2,
			ArgType:   mt.In(first).Elem(),
			ReplyType: mt.In(first + 1).Elem(),
		}
	}
}

func (s *service) call(ctx context.Context, mType *methodType, argv, replyv reflect.Value) error {
	args := []reflect.Value{s.rcvr, argv, replyv}
	if mType.withCtx {
		args = []reflect.Value{s.rcvr, reflect.ValueOf(ctx), argv, replyv}
	}
	results := mType.method.Func.Call(args)
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}

// handler adapts one method to the json arg scheme.
func (s *service) handler(mType *methodType) middleware.HandlerFunc {
	return func(ctx context.Context, req *message.Request) (*message.Response, error) {
		argv := reflect.New(mType.ArgType)
		replyv := reflect.New(mType.ReplyType)
		if err := decodeJSONArgs(req, argv.Interface()); err != nil {
			return nil, err
		}
		if err := s.call(ctx, mType, argv, replyv); err != nil {
			return failure(err)
		}
		return encodeJSONReply(replyv.Interface())
	}
}

// ErrorBody is the arg3 of a json response with code Error.
type ErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func decodeJSONArgs(req *message.Request, v any) error {
	if as := req.ArgScheme(); as != "" && as != codec.SchemeJSON {
		return protocol.NewSystemError(protocol.ErrCodeBadRequest, "%s::%s expects arg scheme json, got %q", req.Service, req.Method, as)
	}
	if err := (codec.JSON{}).Decode(req.Arg3, v); err != nil {
		return protocol.WrapSystemError(protocol.ErrCodeBadRequest, err)
	}
	return nil
}

func encodeJSONReply(v any) (*message.Response, error) {
	body, err := (codec.JSON{}).Encode(v)
	if err != nil {
		return nil, protocol.WrapSystemError(protocol.ErrCodeUnexpected, err)
	}
	res := &message.Response{OK: true, Arg2: []byte("{}"), Arg3: body}
	res.Headers.Set(message.HeaderArgScheme, codec.SchemeJSON)
	return res, nil
}

// failure turns a handler error into the reply: system errors travel as
// error frames, anything else as an application error.
func failure(err error) (*message.Response, error) {
	var sysErr *protocol.SystemError
	if errors.As(err, &sysErr) {
		return nil, err
	}
	body, encErr := (codec.JSON{}).Encode(ErrorBody{Type: "error", Message: err.Error()})
	if encErr != nil {
		return nil, protocol.WrapSystemError(protocol.ErrCodeUnexpected, encErr)
	}
	res := &message.Response{Arg2: []byte("{}"), Arg3: body}
	res.Headers.Set(message.HeaderArgScheme, codec.SchemeJSON)
	return res, nil
}
