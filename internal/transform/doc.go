// Package transform turns polled records into sink-ready records. A
// Pipeline runs an ordered list of stages; each stage keeps, drops or
// rejects one record. Rejections and stage panics become dead letters so
// one bad record never stalls its partition. Stages are built by name from
// the pipeline file, and the "grpc" stage calls an external plugin that
// serves the connector.v1.Transformer service.
package transform
