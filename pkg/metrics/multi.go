package metrics

import "taskforge/pkg/fetcher"

// Multi 把事件依次转发给多个观察者
type Multi []fetcher.Observer

func (m Multi) ObserveFetch(e fetcher.FetchEvent) {
	for _, o := range m {
		if o != nil {
			o.ObserveFetch(e)
		}
	}
}
