// Package internal contains the core implementation packages for sitepipe.
//
// # Package Organization
//
// The internal packages are organized by functional domain:
//
//   - config: Configuration loading, defaults and validation
//   - errors: Failure classification and per-task error collection
//   - logging: Structured logging shared by every component
//   - task: The task contract, results, registry and file streams
//   - transform: Stream stages for styles, images, inlining and revisioning
//   - bundle: Script bundling with esbuild
//   - pipeline: Task construction and the phased build sequencer
//   - notify: Failure notification and browser reload contracts
//   - watcher: File system monitoring with debouncing and change bindings
//   - websocket: Live-reload hub for connected browsers
//   - server: Static file server with reload script injection
//   - version: Build identity of the binary
//
// # Inter-Package Communication
//
//   - pipeline builds tasks from config and runs them phase by phase
//   - tasks report recoverable failures through notify and keep going
//   - watcher maps changed paths to bindings, re-runs their tasks and
//     asks the websocket hub to reload
//   - server serves the build output and exposes the collected failures
package internal
