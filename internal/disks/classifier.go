package disks

// Rule assigns Category to volumes matching Constraint.
type Rule struct {
	Constraint Constraint
	Category   Category
}

// Classifier evaluates ordered rules; the first match wins.
type Classifier struct {
	rules    []Rule
	fallback Category
}

// NewClassifier builds a classifier returning fallback when no rule matches.
func NewClassifier(fallback Category, rules ...Rule) *Classifier {
	return &Classifier{rules: append([]Rule(nil), rules...), fallback: fallback}
}

// DefaultClassifier recognises user code bundles, metadata overrides and
// update images. Anything else needs no action.
func DefaultClassifier() *Classifier {
	return NewClassifier(CategoryNoAction,
		Rule{Constraint: FilePresent("robot.zip"), Category: CategoryUsercode},
		Rule{Constraint: FilePresent("astoria.json"), Category: CategoryMetadata},
		Rule{Constraint: FilePresent("updatefile.txt"), Category: CategoryUpdate},
	)
}

// Rules returns a copy of the ordered rules.
func (c *Classifier) Rules() []Rule {
	return append([]Rule(nil), c.rules...)
}

// Calculate returns the category of the first rule matching path.
func (c *Classifier) Calculate(path string) Category {
	category, _ := c.Explain(path)
	return category
}

// Explain is Calculate plus the filesystem errors encountered on the way.
func (c *Classifier) Explain(path string) (Category, []error) {
	var errs []error
	for _, rule := range c.rules {
		ok, ruleErrs := Explain(rule.Constraint, path)
		errs = append(errs, ruleErrs...)
		if ok {
			return rule.Category, errs
		}
	}
	return c.fallback, errs
}
