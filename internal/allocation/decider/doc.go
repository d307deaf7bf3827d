// Package decider holds the allocation rules.
//
// Each Decider answers three questions about one shard copy: may it be
// placed on a node, may it stay where it is, and may it be moved for
// balance at all. Unanswered questions default to YES through Base.
//
// Deciders are combined by Deciders, where the most restrictive verdict
// wins. No decider can grant what another one refuses.
package decider
