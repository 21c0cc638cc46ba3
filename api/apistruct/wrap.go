package apistruct

import (
	"context"
	"reflect"

	"go.opencensus.io/tag"
	"golang.org/x/time/rate"

	"github.com/filecoin-project/dispatch/api"
	"github.com/filecoin-project/dispatch/metrics"
)

type callFunc func(args []reflect.Value) []reflect.Value

// MetricedDispatchAPI times every call, tagged with the method name.
func MetricedDispatchAPI(a api.Dispatch) api.Dispatch {
	var out DispatchStruct
	proxyAny(a, &out.Internal, func(method string, _ reflect.Type, call callFunc) callFunc {
		return func(args []reflect.Value) []reflect.Value {
			ctx := metrics.Tagged(args[0].Interface().(context.Context), tag.Upsert(metrics.Endpoint, method))
			args[0] = reflect.ValueOf(ctx)
			defer metrics.Timer(ctx, metrics.APIRequestDuration)()
			return call(args)
		}
	})
	return &out
}

// RateLimitedDispatchAPI rejects calls to the listed methods with
// ErrRateLimited once limiter runs out of tokens. Other methods pass through.
func RateLimitedDispatchAPI(a api.Dispatch, limiter *rate.Limiter, methods ...string) api.Dispatch {
	limited := map[string]bool{}
	for _, m := range methods {
		limited[m] = true
	}

	var out DispatchStruct
	proxyAny(a, &out.Internal, func(method string, ftyp reflect.Type, call callFunc) callFunc {
		if !limited[method] {
			return call
		}
		return func(args []reflect.Value) []reflect.Value {
			if limiter.Allow() {
				return call(args)
			}
			return errResults(ftyp, &api.ErrRateLimited{})
		}
	})
	return &out
}

func proxyAny(in interface{}, out interface{}, wrap func(method string, ftyp reflect.Type, call callFunc) callFunc) {
	rint := reflect.ValueOf(out).Elem()
	ra := reflect.ValueOf(in)

	for f := 0; f < rint.NumField(); f++ {
		field := rint.Type().Field(f)
		fn := ra.MethodByName(field.Name)
		if !fn.IsValid() {
			panic("no method " + field.Name + " on proxied api") // ok
		}

		rint.Field(f).Set(reflect.MakeFunc(field.Type, wrap(field.Name, field.Type, fn.Call)))
	}
}

func errResults(ftyp reflect.Type, err error) []reflect.Value {
	rerr := reflect.ValueOf(&err).Elem()
	if ftyp.NumOut() == 2 {
		return []reflect.Value{
			reflect.Zero(ftyp.Out(0)),
			rerr,
		}
	}
	return []reflect.Value{rerr}
}
