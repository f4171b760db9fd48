// Package util provides small building blocks used by the remoting packages.
//
// The package contains:
//   - mpsc: A lock-free Multi-Producer Single-Consumer (MPSC) queue with an optional
//     bound, used to hand connection lifecycle events to a single listener goroutine
//   - functions: Random seed generation
//
// Queue guarantees:
//
//   - Lock-Free: atomic operations for high throughput even under high contention
//   - Thread-Safe writes: any number of goroutines may Push() concurrently
//   - Single Consumer: values are consumed by one goroutine via the Recv() channel
//   - FIFO per producer: items of a single producer are delivered in push order
package util
