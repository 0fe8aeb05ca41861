// Package engine provides the business boundary for sift's triage and
// routing system. It defines the Service (run lifecycle, exclusivity,
// watermark), Classifier (rule evaluation), routing matcher, Dispatcher
// (action execution and audit logging), Store interface (persistence), and
// domain models.
package engine
