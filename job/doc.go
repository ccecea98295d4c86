// Package job defines the immutable description of one sandboxed run.
//
// A Request names the script, the dataset, the output target and the entry-point
// contract (train, agent or inference) the script is expected to implement.
// Limits holds the process-wide resource ceilings shared by every run; it is
// built once at start-up and passed explicitly to the components that need it.
//
// Usage:
//
//	req, err := job.New(job.Spec{
//	    ScriptPath:  "/app/user_model.py",
//	    DatasetPath: "/app/data.csv",
//	    OutputPath:  "/outputs",
//	    Mode:        job.ModeTrain,
//	})
package job
