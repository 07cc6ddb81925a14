package dbus

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/wirebus/dbus/fragments"
)

// Handle registers fn to serve incoming calls to methodName on
// interfaceName, on every object path.
//
// fn must have one of the following shapes, where ReqT and RespT
// determine the method's request and reply signatures:
//
//	func(context.Context, dbus.ObjectPath) error
//	func(context.Context, dbus.ObjectPath) (RespT, error)
//	func(context.Context, dbus.ObjectPath, ReqT) error
//	func(context.Context, dbus.ObjectPath, ReqT) (RespT, error)
//
// Handle panics if fn has any other shape. Calls with no matching
// handler are answered with org.freedesktop.DBus.Error.UnknownMethod.
func (c *Conn) Handle(interfaceName, methodName string, fn any) {
	handler := handlerForFunc(fn)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[interfaceMember{interfaceName, methodName}] = handler
}

// Unhandle removes the handler for methodName on interfaceName.
func (c *Conn) Unhandle(interfaceName, methodName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, interfaceMember{interfaceName, methodName})
}

type handlerFunc func(ctx context.Context, path ObjectPath, req *fragments.Decoder) (any, error)

const handlerShapes = `invalid handler signature %s, valid shapes are:
  func(context.Context, dbus.ObjectPath) error
  func(context.Context, dbus.ObjectPath) (RespT, error)
  func(context.Context, dbus.ObjectPath, ReqT) error
  func(context.Context, dbus.ObjectPath, ReqT) (RespT, error)`

func handlerForFunc(fn any) handlerFunc {
	v := reflect.ValueOf(fn)
	if !v.IsValid() {
		panic(errors.New("nil handler given to Handle"))
	}
	t := v.Type()
	if t.Kind() != reflect.Func {
		panic(fmt.Errorf("non-function handler type %s given to Handle", t))
	}

	ni, no := t.NumIn(), t.NumOut()
	ok := ni >= 2 && ni <= 3 && no >= 1 && no <= 2 &&
		t.In(0) == reflect.TypeFor[context.Context]() &&
		t.In(1) == reflect.TypeFor[ObjectPath]() &&
		t.Out(no-1) == reflect.TypeFor[error]()
	if !ok {
		panic(fmt.Errorf(handlerShapes, t))
	}

	var reqDec fragments.DecoderFunc
	if ni == 3 {
		var err error
		reqDec, err = decoderFor(t.In(2))
		if err != nil {
			panic(fmt.Errorf("request type %s is not a valid DBus type: %w", t.In(2), err))
		}
	}
	if no == 2 {
		if _, err := encoderFor(t.Out(0)); err != nil {
			panic(fmt.Errorf("response type %s is not a valid DBus type: %w", t.Out(0), err))
		}
	}

	return func(ctx context.Context, path ObjectPath, req *fragments.Decoder) (any, error) {
		args := []reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(path)}
		if reqDec != nil {
			body := reflect.New(t.In(2))
			if err := reqDec(ctx, req, body.Elem()); err != nil {
				return nil, err
			}
			args = append(args, body.Elem())
		}
		rets := v.Call(args)
		if err, _ := rets[len(rets)-1].Interface().(error); err != nil {
			return nil, err
		}
		if len(rets) == 2 {
			return rets[0].Interface(), nil
		}
		return nil, nil
	}
}
